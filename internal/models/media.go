package models

// MediaEntry представляет одну запись журнала медиафайлов пользователя.
// Запись с пустым Sha1 — «надгробие»: файл удалён, но строка остаётся,
// чтобы изменение дошло до всех клиентов.
type MediaEntry struct {
	Fname string // Fname нормализованное (NFC) имя файла
	USN   int    // USN порядковый номер изменения
	Sha1  string // Sha1 hex-дайджест содержимого; "" для удалённого файла
	Size  int64  // Size размер в байтах; 0 для удалённого файла
	Mtime int64  // Mtime unix-время регистрации изменения
}

// Deleted сообщает, является ли запись надгробием.
func (e *MediaEntry) Deleted() bool {
	return e.Sha1 == ""
}
