package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/ankisyncd/internal/models"
	"github.com/iudanet/ankisyncd/internal/validation"
)

// JWTGateway принимает в поле пароля подписанный HS256 токен внешнего
// поставщика идентификации. Токен должен быть не просрочен, а его subject
// совпадать с именем пользователя.
type JWTGateway struct {
	secret []byte
}

// NewJWTGateway создаёт шлюз с общим секретом подписи.
func NewJWTGateway(secret string) (*JWTGateway, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt gateway requires a signing secret")
	}
	return &JWTGateway{secret: []byte(secret)}, nil
}

// Authenticate реализует Gateway. Имя пользователя проверяется на
// формат: у этого провайдера нет своей таблицы, каталог данных создаётся
// по первому успешному входу.
func (g *JWTGateway) Authenticate(_ context.Context, username, token string) error {
	if err := validation.ValidateUsername(username); err != nil {
		return models.ErrInvalidCredentials
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return models.ErrInvalidCredentials
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub != username {
		return models.ErrInvalidCredentials
	}
	return nil
}
