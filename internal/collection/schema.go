package collection

import (
	"context"
	"database/sql"
	"fmt"
)

// Поддерживаемые версии схемы коллекции. Версия определяется по структуре
// таблиц, а не по полю ver: клиенты исторически писали туда разное.
const (
	SchemaV11 = 11 // малые объекты в JSON-блобах таблицы col
	SchemaV14 = 14 // добавлены deck_config, config, tags
	SchemaV15 = 15 // добавлены notetypes, fields, templates; decks в таблице
	SchemaV17 = 17 // перестроена таблица tags
	SchemaV18 = 18 // перестроена таблица graves, (oid, type) как первичный ключ
)

// Виды колонок при сериализации строк в JSON.
type colKind int

const (
	kindInt colKind = iota
	kindString
	kindStringInt // целое, которое на проводе кодируется строкой
)

type column struct {
	name string
	kind colKind
}

type tableDesc struct {
	name string
	cols []column
}

func (d tableDesc) placeholders() string {
	out := make([]byte, 0, len(d.cols)*2)
	for i := range d.cols {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func (d tableDesc) columnList() string {
	out := ""
	for i, c := range d.cols {
		if i > 0 {
			out += ", "
		}
		out += c.name
	}
	return out
}

// Статические описания V11 на случай, когда PRAGMA недоступна.
var legacyTables = map[string][]string{
	"cards": {"id", "nid", "did", "ord", "mod", "usn", "type", "queue",
		"due", "ivl", "factor", "reps", "lapses", "left", "odue",
		"odid", "flags", "data"},
	"notes": {"id", "guid", "mid", "mod", "usn", "tags", "flds",
		"sfld", "csum", "flags", "data"},
	"revlog": {"id", "cid", "usn", "ease", "ivl", "lastIvl", "factor",
		"time", "type"},
	"graves": {"usn", "oid", "type"},
}

// Текстовые колонки таблиц синхронизации; всё остальное — целые.
var stringColumns = map[string]map[string]bool{
	"notes": {"guid": true, "tags": true, "flds": true, "sfld": true, "data": true},
	"cards": {"data": true},
}

// Целые колонки, сериализуемые строками, чтобы не терять точность в
// JavaScript-клиентах.
var stringIntColumns = map[string]map[string]bool{
	"notes": {"csum": true},
}

func kindOf(table, col string) colKind {
	if stringIntColumns[table][col] {
		return kindStringInt
	}
	if stringColumns[table][col] {
		return kindString
	}
	return kindInt
}

// detectSchemaVersion определяет фактическую версию схемы по структуре
// таблиц. Неизвестные более новые раскладки консервативно трактуются как
// V18: сервер продолжает обслуживать, а не отказывает.
func detectSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if ok, err := tableExists(ctx, db, "graves"); err != nil {
		return 0, err
	} else if ok {
		n, err := countColumns(ctx, db, "graves")
		if err != nil {
			return 0, err
		}
		if n == 3 {
			if pk, err := hasCompositePK(ctx, db, "graves"); err == nil && pk {
				return SchemaV18, nil
			}
		}
	}

	if ok, err := tableExists(ctx, db, "tags"); err != nil {
		return 0, err
	} else if ok {
		n, err := countColumns(ctx, db, "tags")
		if err != nil {
			return 0, err
		}
		if n >= 4 {
			return SchemaV17, nil
		}
	}

	for _, probe := range []struct {
		tables  []string
		version int
	}{
		{[]string{"fields", "templates", "notetypes"}, SchemaV15},
		{[]string{"deck_config", "config"}, SchemaV14},
	} {
		all := true
		for _, t := range probe.tables {
			ok, err := tableExists(ctx, db, t)
			if err != nil {
				return 0, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return probe.version, nil
		}
	}

	return SchemaV11, nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var found string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe table %s: %w", name, err)
	}
	return true, nil
}

func countColumns(ctx context.Context, db *sql.DB, table string) (int, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return 0, fmt.Errorf("failed to read table_info(%s): %w", table, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

// hasCompositePK сообщает, входит ли в первичный ключ таблицы более одной
// колонки (признак graves V18).
func hasCompositePK(ctx context.Context, db *sql.DB, table string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	pk := 0
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pkPos   int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pkPos); err != nil {
			return false, err
		}
		if pkPos > 0 {
			pk++
		}
	}
	return pk > 1, rows.Err()
}

// loadTableDesc читает фактический порядок колонок таблицы; при пустом
// результате используется статическое описание V11.
func loadTableDesc(ctx context.Context, db *sql.DB, table string) (tableDesc, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return tableDesc{}, fmt.Errorf("failed to read table_info(%s): %w", table, err)
	}
	defer rows.Close()

	desc := tableDesc{name: table}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pkPos   int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pkPos); err != nil {
			return tableDesc{}, err
		}
		desc.cols = append(desc.cols, column{name: name, kind: kindOf(table, name)})
	}
	if err := rows.Err(); err != nil {
		return tableDesc{}, err
	}

	if len(desc.cols) == 0 {
		for _, name := range legacyTables[table] {
			desc.cols = append(desc.cols, column{name: name, kind: kindOf(table, name)})
		}
	}
	return desc, nil
}
