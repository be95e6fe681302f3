// Package collection работает с файлом коллекции пользователя: открытие и
// создание, слой совместимости схем V11-V18, построчный доступ для
// синхронизации и дисциплина WAL-чекпоинтов.
package collection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// DBTX общий срез *sql.DB и *sql.Tx: операции над данными коллекции
// работают и вне, и внутри транзакции синхронизации.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Collection открытый файл коллекции.
type Collection struct {
	db   *sql.DB
	path string
	ver  int
	desc map[string]tableDesc
}

// Open открывает существующую коллекцию или создаёт пустую V11.
func Open(ctx context.Context, path string) (*Collection, error) {
	return open(ctx, path, true)
}

// OpenExisting открывает коллекцию, не создавая её: файл без таблицы col
// считается ошибкой. Используется при проверке загруженного файла.
func OpenExisting(ctx context.Context, path string) (*Collection, error) {
	return open(ctx, path, false)
}

func open(ctx context.Context, path string, create bool) (*Collection, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping collection: %w", err)
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

	c := &Collection{db: db, path: path, desc: make(map[string]tableDesc)}

	hasCol, err := tableExists(ctx, db, "col")
	if err != nil {
		db.Close()
		return nil, err
	}
	if !hasCol {
		if !create {
			db.Close()
			return nil, fmt.Errorf("not a collection file: %s", path)
		}
		if err := createV11(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create collection: %w", err)
		}
	}

	c.ver, err = detectSchemaVersion(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to detect schema version: %w", err)
	}

	for _, table := range []string{"cards", "notes", "revlog", "graves"} {
		d, err := loadTableDesc(ctx, db, table)
		if err != nil {
			db.Close()
			return nil, err
		}
		c.desc[table] = d
	}

	return c, nil
}

// SchemaVersion возвращает определённую версию схемы.
func (c *Collection) SchemaVersion() int {
	return c.ver
}

// Path возвращает путь к файлу коллекции.
func (c *Collection) Path() string {
	return c.path
}

// DB отдаёт соединение; нужен вызывающим, работающим вне транзакции.
func (c *Collection) DB() *sql.DB {
	return c.db
}

// Begin открывает транзакцию синхронизации.
func (c *Collection) Begin(ctx context.Context) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, nil)
}

// Checkpoint сбрасывает WAL в основной файл. Обязателен перед закрытием
// и перед отдачей файла целиком: иначе несохранённые страницы теряются.
func (c *Collection) Checkpoint(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("failed to checkpoint wal: %w", err)
	}
	return nil
}

// Close чекпоинтит и закрывает файл.
func (c *Collection) Close() error {
	ctx := context.Background()
	if err := c.Checkpoint(ctx); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

// Meta снимок полей таблицы col.
type Meta struct {
	Crt int64 // время создания, секунды
	Mod int64 // время последней модификации, ms
	Scm int64 // время последнего изменения схемы, ms
	Usn int   // текущий USN сервера
	Ls  int64 // время последней синхронизации, ms
}

// ReadMeta читает метаданные коллекции.
func (c *Collection) ReadMeta(ctx context.Context, q DBTX) (*Meta, error) {
	m := &Meta{}
	err := q.QueryRowContext(ctx, `SELECT crt, mod, scm, usn, ls FROM col`).
		Scan(&m.Crt, &m.Mod, &m.Scm, &m.Usn, &m.Ls)
	if err != nil {
		return nil, fmt.Errorf("failed to read col meta: %w", err)
	}
	return m, nil
}

// IsEmpty сообщает, есть ли в коллекции хоть одна карточка.
func (c *Collection) IsEmpty(ctx context.Context, q DBTX) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM cards LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe cards: %w", err)
	}
	return false, nil
}

// BumpUSN увеличивает серверный USN на единицу.
func (c *Collection) BumpUSN(ctx context.Context, q DBTX) error {
	_, err := q.ExecContext(ctx, `UPDATE col SET usn = usn + 1`)
	return err
}

// SetModified выставляет mod и ls в переданное время (ms).
func (c *Collection) SetModified(ctx context.Context, q DBTX, nowMS int64) error {
	_, err := q.ExecContext(ctx, `UPDATE col SET mod = ?, ls = ?`, nowMS, nowMS)
	return err
}

// IntegrityCheck выполняет PRAGMA integrity_check; любой результат,
// отличный от "ok", считается повреждением.
func (c *Collection) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := c.db.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("collection is corrupt: %s", result)
	}
	return nil
}

// createV11 создаёт пустую коллекцию с классической схемой V11.
func createV11(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaV11SQL); err != nil {
		return err
	}

	now := time.Now()
	nowMS := now.UnixMilli()
	// crt выравнивается на начало суток, как делают клиенты
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 4, 0, 0, 0, now.Location()).Unix()

	_, err := db.ExecContext(ctx, `
		INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags)
		VALUES (1, ?, ?, ?, 11, 0, 0, 0, ?, '{}', ?, ?, '{}')`,
		dayStart, nowMS, nowMS, defaultConf, defaultDecks(nowMS), defaultDConf)
	return err
}

const schemaV11SQL = `
CREATE TABLE col (
    id     INTEGER PRIMARY KEY,
    crt    INTEGER NOT NULL,
    mod    INTEGER NOT NULL,
    scm    INTEGER NOT NULL,
    ver    INTEGER NOT NULL,
    dty    INTEGER NOT NULL,
    usn    INTEGER NOT NULL,
    ls     INTEGER NOT NULL,
    conf   TEXT NOT NULL,
    models TEXT NOT NULL,
    decks  TEXT NOT NULL,
    dconf  TEXT NOT NULL,
    tags   TEXT NOT NULL
);
CREATE TABLE notes (
    id    INTEGER PRIMARY KEY,
    guid  TEXT NOT NULL,
    mid   INTEGER NOT NULL,
    mod   INTEGER NOT NULL,
    usn   INTEGER NOT NULL,
    tags  TEXT NOT NULL,
    flds  TEXT NOT NULL,
    sfld  INTEGER NOT NULL,
    csum  INTEGER NOT NULL,
    flags INTEGER NOT NULL,
    data  TEXT NOT NULL
);
CREATE TABLE cards (
    id     INTEGER PRIMARY KEY,
    nid    INTEGER NOT NULL,
    did    INTEGER NOT NULL,
    ord    INTEGER NOT NULL,
    mod    INTEGER NOT NULL,
    usn    INTEGER NOT NULL,
    type   INTEGER NOT NULL,
    queue  INTEGER NOT NULL,
    due    INTEGER NOT NULL,
    ivl    INTEGER NOT NULL,
    factor INTEGER NOT NULL,
    reps   INTEGER NOT NULL,
    lapses INTEGER NOT NULL,
    left   INTEGER NOT NULL,
    odue   INTEGER NOT NULL,
    odid   INTEGER NOT NULL,
    flags  INTEGER NOT NULL,
    data   TEXT NOT NULL
);
CREATE TABLE revlog (
    id      INTEGER PRIMARY KEY,
    cid     INTEGER NOT NULL,
    usn     INTEGER NOT NULL,
    ease    INTEGER NOT NULL,
    ivl     INTEGER NOT NULL,
    lastIvl INTEGER NOT NULL,
    factor  INTEGER NOT NULL,
    time    INTEGER NOT NULL,
    type    INTEGER NOT NULL
);
CREATE TABLE graves (
    usn  INTEGER NOT NULL,
    oid  INTEGER NOT NULL,
    type INTEGER NOT NULL
);
CREATE INDEX ix_notes_usn ON notes (usn);
CREATE INDEX ix_cards_usn ON cards (usn);
CREATE INDEX ix_revlog_usn ON revlog (usn);
CREATE INDEX ix_cards_nid ON cards (nid);
CREATE INDEX ix_cards_sched ON cards (did, queue, due);
CREATE INDEX ix_revlog_cid ON revlog (cid);
CREATE INDEX ix_notes_csum ON notes (csum);
`

const defaultConf = `{"nextPos":1,"estTimes":true,"activeDecks":[1],"sortType":"noteFld",` +
	`"timeLim":0,"sortBackwards":false,"addToCur":true,"curDeck":1,"newBury":true,` +
	`"newSpread":0,"dueCounts":true,"curModel":null,"collapseTime":1200}`

const defaultDConf = `{"1":{"id":1,"name":"Default","mod":0,"usn":0,"maxTaken":60,"autoplay":true,` +
	`"timer":0,"replayq":true,"dyn":false,` +
	`"new":{"bury":true,"delays":[1,10],"initialFactor":2500,"ints":[1,4,7],"order":1,"perDay":20,"separate":true},` +
	`"rev":{"bury":true,"ease4":1.3,"fuzz":0.05,"ivlFct":1,"maxIvl":36500,"perDay":100,"minSpace":1},` +
	`"lapse":{"delays":[10],"leechAction":0,"leechFails":8,"minInt":1,"mult":0}}}`

func defaultDecks(nowMS int64) string {
	return fmt.Sprintf(`{"1":{"id":1,"name":"Default","mod":%d,"usn":0,"lrnToday":[0,0],`+
		`"revToday":[0,0],"newToday":[0,0],"timeToday":[0,0],"dyn":0,"extendNew":10,`+
		`"extendRev":50,"conf":1,"collapsed":false,"desc":""}}`, nowMS/1000)
}
