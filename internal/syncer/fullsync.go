package syncer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/iudanet/ankisyncd/internal/collection"
	"github.com/iudanet/ankisyncd/internal/models"
)

// Upload принимает файл коллекции целиком и атомарно подменяет им
// серверный. Файл сначала проверяется: открытие, integrity_check,
// наличие таблиц синхронизации. Открытый контекст синхронизации при
// этом сбрасывается.
func (e *Engine) Upload(ctx context.Context, sess *models.Session, payload io.Reader) error {
	e.dropStale(sess)

	releaseLock, err := e.sessions.Acquire(sess.Username)
	if err != nil {
		return err
	}
	defer releaseLock()

	dir, err := e.store.UserDir(sess.Username)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "upload-*.anki2")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, payload); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to store uploaded collection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := validateCollection(ctx, tmpPath); err != nil {
		e.logger.Warn("rejected uploaded collection", "username", sess.Username, "error", err)
		return fmt.Errorf("%w: %s", models.ErrBadRequest, err)
	}

	// кешированный хендл закрывается до подмены файла
	e.store.Evict(sess.Username)

	target := e.store.Path(sess.Username)
	// сторонние журналы прежнего файла не должны пережить подмену
	_ = os.Remove(target + "-wal")
	_ = os.Remove(target + "-shm")

	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("failed to swap collection: %w", err)
	}

	// ls отмечает момент полной синхронизации
	col, release, err := e.store.Acquire(ctx, sess.Username)
	if err != nil {
		return err
	}
	defer release()
	if _, err := col.DB().ExecContext(ctx, `UPDATE col SET ls = mod`); err != nil {
		return fmt.Errorf("failed to record last sync: %w", err)
	}

	e.logger.Info("collection uploaded", "username", sess.Username)
	return nil
}

// Download отдаёт файл коллекции целиком. Перед чтением WAL сбрасывается
// в основной файл, иначе клиент получит устаревшие данные.
func (e *Engine) Download(ctx context.Context, sess *models.Session) ([]byte, error) {
	e.dropStale(sess)

	releaseLock, err := e.sessions.Acquire(sess.Username)
	if err != nil {
		return nil, err
	}
	defer releaseLock()

	col, release, err := e.store.Acquire(ctx, sess.Username)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := col.DB().ExecContext(ctx, `UPDATE col SET ls = mod`); err != nil {
		return nil, fmt.Errorf("failed to record last sync: %w", err)
	}
	if err := col.Checkpoint(ctx); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(col.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to read collection: %w", err)
	}

	e.logger.Info("collection downloaded", "username", sess.Username, "bytes", len(data))
	return data, nil
}

// dropStale сбрасывает открытый контекст синхронизации той же сессии:
// клиент перешёл к полной синхронизации, поэтапная больше не завершится.
func (e *Engine) dropStale(sess *models.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tr, ok := e.active[sess.Username]; ok && tr.hkey == sess.Key {
		e.discardLocked(sess.Username, tr)
	}
}

// validateCollection открывает файл без создания схемы и прогоняет
// integrity_check.
func validateCollection(ctx context.Context, path string) error {
	col, err := collection.OpenExisting(ctx, path)
	if err != nil {
		return err
	}
	defer col.Close()

	if err := col.IntegrityCheck(ctx); err != nil {
		return err
	}
	if _, err := col.ReadMeta(ctx, col.DB()); err != nil {
		return err
	}
	return nil
}
