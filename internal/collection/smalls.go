package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/iudanet/ankisyncd/internal/models"
)

// Малые объекты (модели, колоды, конфигурации колод, теги, conf) живут в
// JSON-блобах таблицы col на схемах V11/V14 и в отдельных таблицах на
// V15 и новее. Таблицы несут полный JSON объекта в блоб-колонке, как его
// пишет миграция клиента; зеркальные колонки (name, mtime_secs, usn)
// поддерживаются в согласованном виде.

type smallMeta struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
	Mod  int64       `json:"mod"`
	Usn  int         `json:"usn"`
}

func parseSmall(raw json.RawMessage) (smallMeta, error) {
	var m smallMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("failed to parse object header: %w", err)
	}
	return m, nil
}

// normalizeUsn заменяет usn = -1 внутри объекта на maxUsn.
func normalizeUsn(raw json.RawMessage, maxUsn int) (json.RawMessage, smallMeta, error) {
	meta, err := parseSmall(raw)
	if err != nil {
		return nil, meta, err
	}
	if meta.Usn != -1 {
		return raw, meta, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, meta, err
	}
	obj["usn"], _ = json.Marshal(maxUsn)
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, meta, err
	}
	meta.Usn = maxUsn
	return out, meta, nil
}

// --- общие операции над JSON-блобами col -------------------------------

func (c *Collection) readColBlob(ctx context.Context, q DBTX, colName string) (map[string]json.RawMessage, error) {
	var raw string
	query := fmt.Sprintf("SELECT %s FROM col", colName)
	if err := q.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to read col.%s: %w", colName, err)
	}

	out := make(map[string]json.RawMessage)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to parse col.%s: %w", colName, err)
	}
	return out, nil
}

func (c *Collection) writeColBlob(ctx context.Context, q DBTX, colName string, blob map[string]json.RawMessage) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE col SET %s = ?", colName)
	if _, err := q.ExecContext(ctx, query, string(data)); err != nil {
		return fmt.Errorf("failed to write col.%s: %w", colName, err)
	}
	return nil
}

// blobSince выбирает из блоба объекты с usn >= minUsn в порядке ключей.
func blobSince(blob map[string]json.RawMessage, minUsn int) ([]json.RawMessage, error) {
	keys := make([]string, 0, len(blob))
	for k := range blob {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []json.RawMessage
	for _, k := range keys {
		meta, err := parseSmall(blob[k])
		if err != nil {
			return nil, err
		}
		if meta.Usn >= minUsn {
			out = append(out, blob[k])
		}
	}
	return out, nil
}

func mergeIntoBlob(blob map[string]json.RawMessage, incoming []json.RawMessage, maxUsn int) (bool, error) {
	changed := false
	for _, raw := range incoming {
		norm, meta, err := normalizeUsn(raw, maxUsn)
		if err != nil {
			return changed, err
		}
		key := meta.ID.String()
		local, ok := blob[key]
		if ok {
			localMeta, err := parseSmall(local)
			if err != nil {
				return changed, err
			}
			if meta.Mod <= localMeta.Mod {
				continue
			}
		}
		blob[key] = norm
		changed = true
	}
	return changed, nil
}

// --- модели -------------------------------------------------------------

// ModelsSince возвращает модели с usn >= minUsn.
func (c *Collection) ModelsSince(ctx context.Context, q DBTX, minUsn int) ([]json.RawMessage, error) {
	if c.ver >= SchemaV15 {
		return tableSmallsSince(ctx, q, "notetypes", "config", minUsn)
	}
	blob, err := c.readColBlob(ctx, q, "models")
	if err != nil {
		return nil, err
	}
	return blobSince(blob, minUsn)
}

// MergeModels вливает присланные модели по правилу "новее побеждает".
func (c *Collection) MergeModels(ctx context.Context, q DBTX, incoming []json.RawMessage, maxUsn int) error {
	if len(incoming) == 0 {
		return nil
	}
	if c.ver >= SchemaV15 {
		return mergeTableSmalls(ctx, q, "notetypes", "config", incoming, maxUsn)
	}
	blob, err := c.readColBlob(ctx, q, "models")
	if err != nil {
		return err
	}
	changed, err := mergeIntoBlob(blob, incoming, maxUsn)
	if err != nil {
		return err
	}
	if changed {
		return c.writeColBlob(ctx, q, "models", blob)
	}
	return nil
}

// --- колоды и их конфигурации -------------------------------------------

// DecksSince возвращает пару [колоды, конфигурации] с usn >= minUsn.
func (c *Collection) DecksSince(ctx context.Context, q DBTX, minUsn int) ([]json.RawMessage, []json.RawMessage, error) {
	if c.ver >= SchemaV15 {
		decks, err := tableSmallsSince(ctx, q, "decks", "common", minUsn)
		if err != nil {
			return nil, nil, err
		}
		dconf, err := tableSmallsSince(ctx, q, "deck_config", "config", minUsn)
		if err != nil {
			return nil, nil, err
		}
		return decks, dconf, nil
	}

	deckBlob, err := c.readColBlob(ctx, q, "decks")
	if err != nil {
		return nil, nil, err
	}
	decks, err := blobSince(deckBlob, minUsn)
	if err != nil {
		return nil, nil, err
	}

	dconfBlob, err := c.readColBlob(ctx, q, "dconf")
	if err != nil {
		return nil, nil, err
	}
	dconf, err := blobSince(dconfBlob, minUsn)
	if err != nil {
		return nil, nil, err
	}
	return decks, dconf, nil
}

// MergeDecks вливает присланные колоды и конфигурации.
func (c *Collection) MergeDecks(ctx context.Context, q DBTX, decks, dconf []json.RawMessage, maxUsn int) error {
	if c.ver >= SchemaV15 {
		if err := mergeTableSmalls(ctx, q, "decks", "common", decks, maxUsn); err != nil {
			return err
		}
		return mergeTableSmalls(ctx, q, "deck_config", "config", dconf, maxUsn)
	}

	if len(decks) > 0 {
		blob, err := c.readColBlob(ctx, q, "decks")
		if err != nil {
			return err
		}
		changed, err := mergeIntoBlob(blob, decks, maxUsn)
		if err != nil {
			return err
		}
		if changed {
			if err := c.writeColBlob(ctx, q, "decks", blob); err != nil {
				return err
			}
		}
	}

	if len(dconf) > 0 {
		blob, err := c.readColBlob(ctx, q, "dconf")
		if err != nil {
			return err
		}
		changed, err := mergeIntoBlob(blob, dconf, maxUsn)
		if err != nil {
			return err
		}
		if changed {
			return c.writeColBlob(ctx, q, "dconf", blob)
		}
	}
	return nil
}

// removeDecks удаляет записи колод по надгробиям. Дочерние колоды
// присылает клиент отдельными надгробиями.
func (c *Collection) removeDecks(ctx context.Context, q DBTX, ids []models.ObjectID) error {
	if c.ver >= SchemaV15 {
		return execIn(ctx, q, `DELETE FROM decks WHERE id IN (%s)`, ids)
	}

	blob, err := c.readColBlob(ctx, q, "decks")
	if err != nil {
		return err
	}
	changed := false
	for _, id := range ids {
		key := fmt.Sprintf("%d", int64(id))
		if _, ok := blob[key]; ok {
			delete(blob, key)
			changed = true
		}
	}
	if changed {
		return c.writeColBlob(ctx, q, "decks", blob)
	}
	return nil
}

// --- табличное хранение V15+ ---------------------------------------------

func tableSmallsSince(ctx context.Context, q DBTX, table, blobCol string, minUsn int) ([]json.RawMessage, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE usn >= ? ORDER BY id", blobCol, table)
	rows, err := q.QueryContext(ctx, query, minUsn)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

func mergeTableSmalls(ctx context.Context, q DBTX, table, blobCol string, incoming []json.RawMessage, maxUsn int) error {
	for _, raw := range incoming {
		norm, meta, err := normalizeUsn(raw, maxUsn)
		if err != nil {
			return err
		}

		var localMod int64
		query := fmt.Sprintf("SELECT mtime_secs FROM %s WHERE id = ?", table)
		err = q.QueryRowContext(ctx, query, meta.ID.String()).Scan(&localMod)
		switch {
		case err == nil:
			if meta.Mod <= localMod {
				continue
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("failed to read %s mtime: %w", table, err)
		}

		upsert := fmt.Sprintf(
			"INSERT OR REPLACE INTO %s (id, name, mtime_secs, usn, %s) VALUES (?, ?, ?, ?, ?)",
			table, blobCol)
		if _, err := q.ExecContext(ctx, upsert,
			meta.ID.String(), meta.Name, meta.Mod, meta.Usn, []byte(norm)); err != nil {
			return fmt.Errorf("failed to upsert into %s: %w", table, err)
		}
	}
	return nil
}

// --- теги -----------------------------------------------------------------

// TagsSince возвращает теги с usn >= minUsn.
func (c *Collection) TagsSince(ctx context.Context, q DBTX, minUsn int) ([]string, error) {
	if c.ver >= SchemaV14 {
		rows, err := q.QueryContext(ctx, `SELECT tag FROM tags WHERE usn >= ? ORDER BY tag`, minUsn)
		if err != nil {
			return nil, fmt.Errorf("failed to query tags: %w", err)
		}
		defer func() {
			_ = rows.Close()
		}()

		out := []string{}
		for rows.Next() {
			var tag string
			if err := rows.Scan(&tag); err != nil {
				return nil, err
			}
			out = append(out, tag)
		}
		return out, rows.Err()
	}

	blob, err := c.readColBlob(ctx, q, "tags")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(blob))
	for k := range blob {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []string{}
	for _, tag := range keys {
		var usn int
		if err := json.Unmarshal(blob[tag], &usn); err != nil {
			return nil, fmt.Errorf("failed to parse tag usn: %w", err)
		}
		if usn >= minUsn {
			out = append(out, tag)
		}
	}
	return out, nil
}

// MergeTags регистрирует присланные теги с usn = maxUsn.
func (c *Collection) MergeTags(ctx context.Context, q DBTX, tags []string, maxUsn int) error {
	if len(tags) == 0 {
		return nil
	}

	if c.ver >= SchemaV17 {
		for _, tag := range tags {
			if _, err := q.ExecContext(ctx,
				`INSERT OR REPLACE INTO tags (tag, usn, collapsed, config) VALUES (?, ?, 0, '')`,
				tag, maxUsn); err != nil {
				return fmt.Errorf("failed to register tag: %w", err)
			}
		}
		return nil
	}
	if c.ver >= SchemaV14 {
		for _, tag := range tags {
			if _, err := q.ExecContext(ctx,
				`INSERT OR REPLACE INTO tags (tag, usn) VALUES (?, ?)`,
				tag, maxUsn); err != nil {
				return fmt.Errorf("failed to register tag: %w", err)
			}
		}
		return nil
	}

	blob, err := c.readColBlob(ctx, q, "tags")
	if err != nil {
		return err
	}
	usnJSON, _ := json.Marshal(maxUsn)
	for _, tag := range tags {
		blob[tag] = usnJSON
	}
	return c.writeColBlob(ctx, q, "tags", blob)
}

// --- conf и crt -------------------------------------------------------------

// Conf возвращает объект конфигурации коллекции.
func (c *Collection) Conf(ctx context.Context, q DBTX) (json.RawMessage, error) {
	var raw string
	if err := q.QueryRowContext(ctx, `SELECT conf FROM col`).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to read conf: %w", err)
	}
	if raw == "" {
		raw = "{}"
	}
	return json.RawMessage(raw), nil
}

// SetConf заменяет конфигурацию коллекции присланной.
func (c *Collection) SetConf(ctx context.Context, q DBTX, conf json.RawMessage) error {
	if len(conf) == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, `UPDATE col SET conf = ?`, string(conf)); err != nil {
		return fmt.Errorf("failed to write conf: %w", err)
	}
	return nil
}

// SetCrt выставляет время создания коллекции (секунды).
func (c *Collection) SetCrt(ctx context.Context, q DBTX, crt int64) error {
	if crt == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, `UPDATE col SET crt = ?`, crt); err != nil {
		return fmt.Errorf("failed to write crt: %w", err)
	}
	return nil
}

// SmallCounts счётчики малых объектов для проверки целостности.
func (c *Collection) SmallCounts(ctx context.Context, q DBTX) (nmodels, ndecks, ndconf int, err error) {
	if c.ver >= SchemaV15 {
		if nmodels, err = c.Count(ctx, q, "notetypes"); err != nil {
			return
		}
		if ndecks, err = c.Count(ctx, q, "decks"); err != nil {
			return
		}
		ndconf, err = c.Count(ctx, q, "deck_config")
		return
	}

	var blob map[string]json.RawMessage
	if blob, err = c.readColBlob(ctx, q, "models"); err != nil {
		return
	}
	nmodels = len(blob)
	if blob, err = c.readColBlob(ctx, q, "decks"); err != nil {
		return
	}
	ndecks = len(blob)
	if blob, err = c.readColBlob(ctx, q, "dconf"); err != nil {
		return
	}
	ndconf = len(blob)
	return
}
