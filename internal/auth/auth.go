// Package auth реализует шлюз идентификации: проверку учётных данных
// на hostKey. Провайдер выбирается конфигурацией; остальной сервер видит
// только интерфейс Gateway.
package auth

import "context"

// Gateway проверяет пару (имя, секрет). Секрет — пароль для локального
// хранилища или подписанный токен для внешнего поставщика идентификации.
type Gateway interface {
	// Authenticate возвращает nil при успехе,
	// models.ErrInvalidCredentials при отказе и
	// models.ErrTemporary при недоступности хранилища.
	Authenticate(ctx context.Context, username, secret string) error
}
