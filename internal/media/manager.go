// Package media реализует серверную часть синхронизации медиафайлов:
// журнал изменений с собственным USN, файловый каталог и обмен архивами.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/iudanet/ankisyncd/internal/collection"
	"github.com/iudanet/ankisyncd/internal/models"
	"github.com/iudanet/ankisyncd/internal/session"
	"github.com/iudanet/ankisyncd/pkg/api"
)

// DBFile имя файла журнала медиа внутри каталога пользователя.
const DBFile = "media.server.db"

// Manager обслуживает операции /msync. Каждая операция берёт ту же
// пользовательскую блокировку, что и синхронизация коллекции, поэтому
// с коллекционным движком они не пересекаются.
type Manager struct {
	store    *collection.Store
	sessions *session.Registry
	logger   *slog.Logger
	maxBytes int64

	mu   sync.Mutex
	open map[string]*DB
}

// NewManager собирает движок синхронизации медиа. maxBytes ограничивает
// распакованный размер архива загрузки.
func NewManager(store *collection.Store, sessions *session.Registry, maxBytes int64, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		sessions: sessions,
		logger:   logger,
		maxBytes: maxBytes,
		open:     make(map[string]*DB),
	}
}

// db возвращает журнал медиа пользователя, открывая его при первом
// обращении. Хендлы кешируются до PurgeUser или Close.
func (m *Manager) db(ctx context.Context, username string) (*DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.open[username]; ok {
		return d, nil
	}

	dir, err := m.store.UserDir(username)
	if err != nil {
		return nil, err
	}
	d, err := OpenDB(ctx, filepath.Join(dir, DBFile))
	if err != nil {
		return nil, err
	}
	m.open[username] = d
	return d, nil
}

// LastUSN возвращает USN последнего изменения медиа. Блокировку не
// берёт: вызывается из meta коллекционного движка одиночным чтением.
func (m *Manager) LastUSN(ctx context.Context, username string) (int, error) {
	d, err := m.db(ctx, username)
	if err != nil {
		return 0, err
	}
	return d.LastUSN(ctx, nil)
}

// Begin открывает медиасессию: отдаёт текущий USN и короткий ключ для
// последующих операций. Идемпотентен.
func (m *Manager) Begin(ctx context.Context, sess *models.Session) (*api.MediaBeginData, error) {
	release, err := m.sessions.Acquire(sess.Username)
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := m.db(ctx, sess.Username)
	if err != nil {
		return nil, err
	}
	usn, err := d.LastUSN(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &api.MediaBeginData{Usn: usn, Skey: sess.SkeyPrefix()}, nil
}

// Changes отдаёт записи журнала с usn > lastUsn. Срез никогда не nil:
// на проводе пустой список обязан быть [], а не null.
func (m *Manager) Changes(ctx context.Context, sess *models.Session, lastUsn int) ([]api.MediaChange, error) {
	release, err := m.sessions.Acquire(sess.Username)
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := m.db(ctx, sess.Username)
	if err != nil {
		return nil, err
	}
	entries, err := d.Changes(ctx, lastUsn)
	if err != nil {
		return nil, err
	}

	changes := make([]api.MediaChange, 0, len(entries))
	for _, e := range entries {
		changes = append(changes, api.MediaChange{Fname: e.Fname, Usn: e.USN, Sha1: e.Sha1})
	}
	return changes, nil
}

// ProcessUpload применяет архив изменений: журнал обновляется в одной
// транзакции, файлы раскладываются после её фиксации. Повторная загрузка
// того же архива не двигает USN.
func (m *Manager) ProcessUpload(ctx context.Context, sess *models.Session, archive []byte) (*api.MediaUploadData, error) {
	release, err := m.sessions.Acquire(sess.Username)
	if err != nil {
		return nil, err
	}
	defer release()

	entries, err := ParseUploadArchive(archive, m.maxBytes)
	if err != nil {
		return nil, err
	}

	dir, err := m.store.MediaDir(sess.Username)
	if err != nil {
		return nil, err
	}
	d, err := m.db(ctx, sess.Username)
	if err != nil {
		return nil, err
	}

	tx, err := d.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin media transaction: %w", err)
	}

	type fsOp struct {
		name string
		data []byte // nil — удалить
	}
	var (
		ops       []fsOp
		processed int
	)
	for _, entry := range entries {
		name, err := NormalizeName(entry.Fname)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		if entry.Data == nil {
			changed, err := d.RegisterRemove(ctx, tx, name)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			if changed {
				ops = append(ops, fsOp{name: name})
			}
		} else {
			changed, err := d.RegisterAdd(ctx, tx, name, sha1Hex(entry.Data), int64(len(entry.Data)))
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			if changed {
				ops = append(ops, fsOp{name: name, data: entry.Data})
			}
		}
		processed++
	}

	usn, err := d.LastUSN(ctx, tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit media changes: %w", err)
	}

	// журнал — источник истины; расхождение с диском поймает mediaSanity
	for _, op := range ops {
		if op.data == nil {
			if err := removeFile(dir, op.name); err != nil {
				m.logger.Error("failed to remove media file", "username", sess.Username, "fname", op.name, "error", err)
			}
		} else {
			if err := writeFile(dir, op.name, op.data); err != nil {
				m.logger.Error("failed to store media file", "username", sess.Username, "fname", op.name, "error", err)
			}
		}
	}

	m.logger.Info("media upload applied",
		"username", sess.Username, "processed", processed, "written", len(ops), "usn", usn)
	return &api.MediaUploadData{Processed: processed, CurrentUsn: usn}, nil
}

// DownloadArchive пакует запрошенные файлы в zip. Надгробия и незнакомые
// имена пропускаются; лимиты размера архива режут хвост списка, клиент
// дозапрашивает остаток.
func (m *Manager) DownloadArchive(ctx context.Context, sess *models.Session, names []string) ([]byte, error) {
	release, err := m.sessions.Acquire(sess.Username)
	if err != nil {
		return nil, err
	}
	defer release()

	dir, err := m.store.MediaDir(sess.Username)
	if err != nil {
		return nil, err
	}
	d, err := m.db(ctx, sess.Username)
	if err != nil {
		return nil, err
	}

	files := make([]FileData, 0, len(names))
	for _, raw := range names {
		name, err := NormalizeName(raw)
		if err != nil {
			return nil, err
		}
		entry, err := d.Entry(ctx, nil, name)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Deleted() {
			m.logger.Warn("requested media file not in log", "username", sess.Username, "fname", name)
			continue
		}
		data, err := readFile(dir, name)
		if err != nil {
			return nil, err
		}
		files = append(files, FileData{Name: name, Data: data})
	}

	return BuildDownloadArchive(files)
}

// Sanity сравнивает клиентское число файлов с серверным журналом.
// Несовпадение — сигнал клиенту на полный сброс медиа.
func (m *Manager) Sanity(ctx context.Context, sess *models.Session, local int) (string, error) {
	release, err := m.sessions.Acquire(sess.Username)
	if err != nil {
		return "", err
	}
	defer release()

	d, err := m.db(ctx, sess.Username)
	if err != nil {
		return "", err
	}
	count, err := d.NonemptyCount(ctx)
	if err != nil {
		return "", err
	}

	if count != local {
		m.logger.Warn("media sanity mismatch", "username", sess.Username, "server", count, "client", local)
		return api.MediaSanityFailed, nil
	}
	return api.MediaSanityOK, nil
}

// PurgeUser закрывает кешированный журнал пользователя. Сами файлы
// удаляет collection.Store.PurgeUser вместе с каталогом.
func (m *Manager) PurgeUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.open[username]
	if !ok {
		return
	}
	delete(m.open, username)
	if err := d.Close(); err != nil {
		m.logger.Error("failed to close media database", "username", username, "error", err)
	}
}

// Close закрывает все открытые журналы.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for username, d := range m.open {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.open, username)
	}
	return firstErr
}
