package media

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/iudanet/ankisyncd/internal/models"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose держит диалект и FS в глобальном состоянии, а базы медиа
// открываются лениво и параллельно для разных пользователей.
var migrateMu sync.Mutex

// ChangesLimit максимум записей в одном ответе mediaChanges.
const ChangesLimit = 250

// dbtx общий срез *sql.DB и *sql.Tx: применение архива идёт в
// транзакции, одиночные чтения — вне её.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB журнал изменений медиафайлов одного пользователя. Строки никогда не
// удаляются: удаление файла превращает запись в надгробие с пустым csum.
type DB struct {
	db *sql.DB
}

// OpenDB открывает (или создаёт) базу журнала медиа.
func OpenDB(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open media database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping media database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	d := &DB{db: db}
	if err := d.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

func (d *DB) runMigrations() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetDialect("sqlite3")
	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(d.db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

// Close закрывает базу, предварительно сбросив WAL.
func (d *DB) Close() error {
	if _, err := d.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		d.db.Close()
		return err
	}
	return d.db.Close()
}

// Begin открывает транзакцию применения архива.
func (d *DB) Begin(ctx context.Context) (*sql.Tx, error) {
	return d.db.BeginTx(ctx, nil)
}

// LastUSN возвращает USN последнего применённого изменения.
func (d *DB) LastUSN(ctx context.Context, q dbtx) (int, error) {
	if q == nil {
		q = d.db
	}
	var usn int
	if err := q.QueryRowContext(ctx, `SELECT last_usn FROM meta`).Scan(&usn); err != nil {
		return 0, fmt.Errorf("failed to read media usn: %w", err)
	}
	return usn, nil
}

// Changes возвращает до ChangesLimit записей с usn > lastUsn в порядке
// возрастания USN. Порядок детерминирован: повторный запрос с тем же
// lastUsn отдаёт те же записи.
func (d *DB) Changes(ctx context.Context, lastUsn int) ([]models.MediaEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT fname, csum, size, usn, mtime FROM media WHERE usn > ? ORDER BY usn LIMIT ?`,
		lastUsn, ChangesLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query media changes: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := []models.MediaEntry{}
	for rows.Next() {
		var e models.MediaEntry
		if err := rows.Scan(&e.Fname, &e.Sha1, &e.Size, &e.USN, &e.Mtime); err != nil {
			return nil, fmt.Errorf("failed to scan media entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate media changes: %w", err)
	}
	return entries, nil
}

// Entry возвращает запись журнала по имени файла или nil.
func (d *DB) Entry(ctx context.Context, q dbtx, fname string) (*models.MediaEntry, error) {
	if q == nil {
		q = d.db
	}
	e := &models.MediaEntry{}
	err := q.QueryRowContext(ctx,
		`SELECT fname, csum, size, usn, mtime FROM media WHERE fname = ?`, fname).
		Scan(&e.Fname, &e.Sha1, &e.Size, &e.USN, &e.Mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read media entry: %w", err)
	}
	return e, nil
}

// RegisterAdd записывает добавление или замену файла. Если файл уже
// числится с тем же csum, запись не меняется и USN не растёт: повторная
// загрузка того же архива идемпотентна.
func (d *DB) RegisterAdd(ctx context.Context, q dbtx, fname, csum string, size int64) (changed bool, err error) {
	existing, err := d.Entry(ctx, q, fname)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Sha1 == csum {
		return false, nil
	}

	usn, err := d.bumpUSN(ctx, q)
	if err != nil {
		return false, err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO media (fname, csum, size, usn, mtime) VALUES (?, ?, ?, ?, ?)`,
		fname, csum, size, usn, time.Now().Unix()); err != nil {
		return false, fmt.Errorf("failed to register media file: %w", err)
	}

	deltaBytes := size
	deltaFiles := int64(1)
	if existing != nil && !existing.Deleted() {
		deltaBytes -= existing.Size
		deltaFiles = 0
	}
	if err := d.adjustTotals(ctx, q, deltaBytes, deltaFiles); err != nil {
		return false, err
	}
	return true, nil
}

// RegisterRemove превращает запись в надгробие. Уже удалённый файл
// повторного надгробия не получает.
func (d *DB) RegisterRemove(ctx context.Context, q dbtx, fname string) (changed bool, err error) {
	existing, err := d.Entry(ctx, q, fname)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Deleted() {
		return false, nil
	}

	usn, err := d.bumpUSN(ctx, q)
	if err != nil {
		return false, err
	}
	if _, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO media (fname, csum, size, usn, mtime) VALUES (?, '', 0, ?, ?)`,
		fname, usn, time.Now().Unix()); err != nil {
		return false, fmt.Errorf("failed to register media removal: %w", err)
	}

	if existing != nil {
		if err := d.adjustTotals(ctx, q, -existing.Size, -1); err != nil {
			return false, err
		}
	}
	return true, nil
}

// NonemptyCount число живых (не удалённых) файлов по журналу.
func (d *DB) NonemptyCount(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT total_nonempty_files FROM meta`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read media file count: %w", err)
	}
	return n, nil
}

// TotalBytes суммарный размер живых файлов по журналу.
func (d *DB) TotalBytes(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.QueryRowContext(ctx, `SELECT total_bytes FROM meta`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read media total size: %w", err)
	}
	return n, nil
}

func (d *DB) bumpUSN(ctx context.Context, q dbtx) (int, error) {
	if _, err := q.ExecContext(ctx, `UPDATE meta SET last_usn = last_usn + 1`); err != nil {
		return 0, fmt.Errorf("failed to bump media usn: %w", err)
	}
	return d.LastUSN(ctx, q)
}

func (d *DB) adjustTotals(ctx context.Context, q dbtx, deltaBytes, deltaFiles int64) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE meta SET total_bytes = total_bytes + ?, total_nonempty_files = total_nonempty_files + ?`,
		deltaBytes, deltaFiles); err != nil {
		return fmt.Errorf("failed to update media totals: %w", err)
	}
	return nil
}
