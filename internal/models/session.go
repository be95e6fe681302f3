package models

import "time"

// Session представляет авторизованную сессию клиента.
// Создаётся при успешном hostKey и переживает рестарт сервера.
type Session struct {
	Key       string    `json:"hkey"`       // Key хеш-ключ сессии (hex, 128 бит)
	Username  string    `json:"username"`   // Username имя пользователя
	HostID    string    `json:"host_id"`    // HostID идентификатор клиентского устройства (поле s заголовка)
	ClientVer string    `json:"client_ver"` // ClientVer строка версии клиента (поле c заголовка)
	CreatedAt time.Time `json:"created_at"` // CreatedAt время создания сессии
}

// SkeyPrefix возвращает короткий ключ медиа-сессии: первые 8 hex-символов
// hkey. Клиент предъявляет его в операциях /msync после begin.
func (s *Session) SkeyPrefix() string {
	if len(s.Key) < 8 {
		return s.Key
	}
	return s.Key[:8]
}
