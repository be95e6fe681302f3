package collection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// CollectionFile имя файла коллекции внутри каталога пользователя.
const CollectionFile = "collection.anki2"

// Store выдаёт открытые коллекции по имени пользователя и считает ссылки:
// файл закрывается (с чекпоинтом WAL), когда освобождена последняя.
type Store struct {
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*handle
}

type handle struct {
	col  *Collection
	refs int
}

// NewStore создаёт хранилище с корнем данных пользователей.
func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger,
		open:   make(map[string]*handle),
	}
}

// UserDir возвращает каталог данных пользователя, создавая его при
// необходимости.
func (s *Store) UserDir(username string) (string, error) {
	dir := filepath.Join(s.root, username)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create user dir: %w", err)
	}
	return dir, nil
}

// Path возвращает путь к файлу коллекции пользователя.
func (s *Store) Path(username string) string {
	return filepath.Join(s.root, username, CollectionFile)
}

// MediaDir возвращает каталог медиафайлов пользователя.
func (s *Store) MediaDir(username string) (string, error) {
	dir := filepath.Join(s.root, username, "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create media dir: %w", err)
	}
	return dir, nil
}

// Acquire открывает коллекцию пользователя (или берёт уже открытую) и
// возвращает функцию освобождения. Закрытие последней ссылки чекпоинтит
// WAL и закрывает файл.
func (s *Store) Acquire(ctx context.Context, username string) (*Collection, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.open[username]; ok {
		h.refs++
		return h.col, s.releaseFunc(username), nil
	}

	if _, err := s.UserDir(username); err != nil {
		return nil, nil, err
	}

	col, err := Open(ctx, s.Path(username))
	if err != nil {
		return nil, nil, err
	}

	s.open[username] = &handle{col: col, refs: 1}
	return col, s.releaseFunc(username), nil
}

func (s *Store) releaseFunc(username string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			h, ok := s.open[username]
			if !ok {
				return
			}
			h.refs--
			if h.refs > 0 {
				return
			}
			delete(s.open, username)
			if err := h.col.Close(); err != nil {
				s.logger.Error("failed to close collection", "username", username, "error", err)
			}
		})
	}
}

// Evict принудительно закрывает кешированный хендл пользователя. Нужен
// после подмены файла коллекции: все дальнейшие обращения откроют новый
// файл. Вызывать можно только когда пользовательская блокировка взята.
func (s *Store) Evict(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.open[username]
	if !ok {
		return
	}
	delete(s.open, username)
	if err := h.col.Close(); err != nil {
		s.logger.Error("failed to close evicted collection", "username", username, "error", err)
	}
}

// PurgeUser удаляет каталог данных пользователя целиком (операторский
// сценарий). Открытый хендл предварительно закрывается.
func (s *Store) PurgeUser(username string) error {
	s.Evict(username)
	dir := filepath.Join(s.root, username)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to purge user data: %w", err)
	}
	return nil
}
