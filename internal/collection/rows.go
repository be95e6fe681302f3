package collection

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Таблицы, которыми стороны обмениваются построчно, в фиксированном
// порядке выдачи.
var SyncTables = []string{"revlog", "cards", "notes"}

// Индекс колонки mod для правила "побеждает новее" при слиянии.
var modIndex = map[string]int{
	"cards": 4,
	"notes": 3,
}

func (d tableDesc) usnIndex() int {
	for i, c := range d.cols {
		if c.name == "usn" {
			return i
		}
	}
	return -1
}

// StampPending присваивает maxUsn строкам, ожидающим номера (usn = -1).
// Выполняется перед выдачей порций, чтобы пагинация по usn была стабильной.
func (c *Collection) StampPending(ctx context.Context, q DBTX, table string, maxUsn int) error {
	if _, ok := c.desc[table]; !ok {
		return fmt.Errorf("unknown sync table: %s", table)
	}
	_, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET usn = ? WHERE usn = -1", table), maxUsn)
	if err != nil {
		return fmt.Errorf("failed to stamp pending rows in %s: %w", table, err)
	}
	return nil
}

// RowsSince выдаёт строки таблицы с usn >= minUsn, по limit за вызов,
// в детерминированном порядке. Каждая строка — позиционный JSON-массив.
func (c *Collection) RowsSince(ctx context.Context, q DBTX, table string, minUsn, limit, offset int) ([]json.RawMessage, error) {
	desc, ok := c.desc[table]
	if !ok {
		return nil, fmt.Errorf("unknown sync table: %s", table)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE usn >= ? ORDER BY id LIMIT ? OFFSET ?",
		desc.columnList(), table)
	rows, err := q.QueryContext(ctx, query, minUsn, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []json.RawMessage
	vals := make([]any, len(desc.cols))
	ptrs := make([]any, len(desc.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		raw, err := encodeRow(desc, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return out, nil
}

// CountSince возвращает число строк таблицы с usn >= minUsn.
func (c *Collection) CountSince(ctx context.Context, q DBTX, table string, minUsn int) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT count() FROM %s WHERE usn >= ?", table), minUsn).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Count возвращает полное число строк таблицы.
func (c *Collection) Count(ctx context.Context, q DBTX, table string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT count() FROM %s", table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// ApplyRows вливает присланные строки. Строки revlog идут как insert or
// ignore (журнал только растёт); cards и notes принимаются по правилу
// "новее по mod побеждает", при равенстве остаётся строка получателя.
// usn = -1 в присланной строке заменяется на maxUsn.
func (c *Collection) ApplyRows(ctx context.Context, q DBTX, table string, rows []json.RawMessage, maxUsn int) error {
	desc, ok := c.desc[table]
	if !ok {
		return fmt.Errorf("unknown sync table: %s", table)
	}
	if len(rows) == 0 {
		return nil
	}

	decoded := make([][]any, 0, len(rows))
	for _, raw := range rows {
		vals, err := decodeRow(desc, raw)
		if err != nil {
			return err
		}
		if i := desc.usnIndex(); i >= 0 {
			if n, ok := vals[i].(int64); ok && n == -1 {
				vals[i] = int64(maxUsn)
			}
		}
		decoded = append(decoded, vals)
	}

	verb := "INSERT OR REPLACE"
	if table == "revlog" {
		verb = "INSERT OR IGNORE"
	}

	if idx, ok := modIndex[table]; ok {
		filtered, err := c.newerRows(ctx, q, table, decoded, idx)
		if err != nil {
			return err
		}
		decoded = filtered
	}

	query := fmt.Sprintf("%s INTO %s VALUES (%s)", verb, table, desc.placeholders())
	for _, vals := range decoded {
		if _, err := q.ExecContext(ctx, query, vals...); err != nil {
			return fmt.Errorf("failed to apply %s row: %w", table, err)
		}
	}
	return nil
}

// newerRows отбрасывает строки, для которых локальная версия не старее.
func (c *Collection) newerRows(ctx context.Context, q DBTX, table string, rows [][]any, modIdx int) ([][]any, error) {
	keep := make([][]any, 0, len(rows))
	for _, vals := range rows {
		id, ok := vals[0].(int64)
		if !ok {
			return nil, fmt.Errorf("%s row has non-integer id: %v", table, vals[0])
		}
		incomingMod, _ := vals[modIdx].(int64)

		var localMod int64
		err := q.QueryRowContext(ctx,
			fmt.Sprintf("SELECT mod FROM %s WHERE id = ?", table), id).Scan(&localMod)
		switch {
		case err == nil:
			if incomingMod > localMod {
				keep = append(keep, vals)
			}
		case errors.Is(err, sql.ErrNoRows):
			keep = append(keep, vals)
		default:
			return nil, fmt.Errorf("failed to read local mod for %s/%d: %w", table, id, err)
		}
	}
	return keep, nil
}

// encodeRow кодирует строку позиционным JSON-массивом. Целые остаются
// целыми; колонки вида stringified-int (notes.csum) кодируются строкой.
func encodeRow(desc tableDesc, vals []any) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(',')
		}
		kind := desc.cols[i].kind

		switch tv := v.(type) {
		case nil:
			buf.WriteString("null")
		case int64:
			if kind == kindStringInt {
				buf.WriteByte('"')
				buf.WriteString(strconv.FormatInt(tv, 10))
				buf.WriteByte('"')
			} else {
				buf.WriteString(strconv.FormatInt(tv, 10))
			}
		case float64:
			buf.WriteString(strconv.FormatFloat(tv, 'g', -1, 64))
		case []byte:
			enc, err := json.Marshal(string(tv))
			if err != nil {
				return nil, err
			}
			buf.Write(enc)
		case string:
			enc, err := json.Marshal(tv)
			if err != nil {
				return nil, err
			}
			buf.Write(enc)
		default:
			return nil, fmt.Errorf("unexpected column value %T in %s", v, desc.name)
		}
	}
	buf.WriteByte(']')
	return json.RawMessage(buf.Bytes()), nil
}

// decodeRow разбирает позиционный массив в значения для SQL. Числа
// читаются без потери точности; stringified-int принимается и строкой,
// и числом. Недостающие колонки добиваются null, лишние отбрасываются.
func decodeRow(desc tableDesc, raw json.RawMessage) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var arr []any
	if err := dec.Decode(&arr); err != nil {
		return nil, fmt.Errorf("failed to decode %s row: %w", desc.name, err)
	}

	vals := make([]any, len(desc.cols))
	for i := range desc.cols {
		if i >= len(arr) {
			vals[i] = nil
			continue
		}
		v, err := decodeValue(desc, i, arr[i])
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func decodeValue(desc tableDesc, i int, v any) (any, error) {
	col := desc.cols[i]
	switch tv := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		if n, err := strconv.ParseInt(tv.String(), 10, 64); err == nil {
			return n, nil
		}
		f, err := tv.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad number in %s.%s: %q", desc.name, col.name, tv.String())
		}
		return f, nil
	case string:
		if col.kind == kindStringInt {
			n, err := strconv.ParseInt(tv, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad stringified int in %s.%s: %q", desc.name, col.name, tv)
			}
			return n, nil
		}
		return tv, nil
	case bool:
		if tv {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unexpected JSON value %T in %s.%s", v, desc.name, col.name)
	}
}
