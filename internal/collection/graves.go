package collection

import (
	"context"
	"fmt"
	"strings"

	"github.com/iudanet/ankisyncd/internal/models"
)

// Graves возвращает надгробия с usn >= minUsn, сгруппированные по виду.
func (c *Collection) Graves(ctx context.Context, q DBTX, minUsn int) (*models.Graves, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT oid, type FROM graves WHERE usn >= ?`, minUsn)
	if err != nil {
		return nil, fmt.Errorf("failed to query graves: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	g := models.NewGraves()
	for rows.Next() {
		var (
			oid  int64
			kind int
		)
		if err := rows.Scan(&oid, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan grave: %w", err)
		}
		switch kind {
		case models.GraveCard:
			g.Cards = append(g.Cards, models.ObjectID(oid))
		case models.GraveNote:
			g.Notes = append(g.Notes, models.ObjectID(oid))
		default:
			g.Decks = append(g.Decks, models.ObjectID(oid))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate graves: %w", err)
	}
	return g, nil
}

// ApplyGraves применяет присланные надгробия: объекты удаляются, а в
// таблицу graves пишутся записи с переданным usn. Надгробия применяются
// до строк, чтобы удалённое не воскресало из более старых порций.
func (c *Collection) ApplyGraves(ctx context.Context, q DBTX, graves *models.Graves, usn int) error {
	if graves.Empty() {
		return nil
	}

	if len(graves.Cards) > 0 {
		orphans, err := c.removeCardsAndOrphanedNotes(ctx, q, graves.Cards)
		if err != nil {
			return err
		}
		if err := addGraves(ctx, q, graves.Cards, models.GraveCard, usn); err != nil {
			return err
		}
		// осиротевшие заметки тоже должны дойти до остальных клиентов
		if err := addGraves(ctx, q, orphans, models.GraveNote, usn); err != nil {
			return err
		}
	}

	if len(graves.Notes) > 0 {
		if err := execIn(ctx, q, `DELETE FROM notes WHERE id IN (%s)`, graves.Notes); err != nil {
			return fmt.Errorf("failed to remove notes: %w", err)
		}
		if err := addGraves(ctx, q, graves.Notes, models.GraveNote, usn); err != nil {
			return err
		}
	}

	if len(graves.Decks) > 0 {
		if err := c.removeDecks(ctx, q, graves.Decks); err != nil {
			return err
		}
		if err := addGraves(ctx, q, graves.Decks, models.GraveDeck, usn); err != nil {
			return err
		}
	}

	return nil
}

// removeCardsAndOrphanedNotes удаляет карточки и заметки, оставшиеся без
// единой карточки. Возвращает идентификаторы удалённых заметок.
func (c *Collection) removeCardsAndOrphanedNotes(ctx context.Context, q DBTX, ids []models.ObjectID) ([]models.ObjectID, error) {
	in := idList(ids)

	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT DISTINCT nid FROM cards WHERE id IN (%s)`, in))
	if err != nil {
		return nil, fmt.Errorf("failed to collect note ids: %w", err)
	}
	var nids []models.ObjectID
	for rows.Next() {
		var nid int64
		if err := rows.Scan(&nid); err != nil {
			rows.Close()
			return nil, err
		}
		nids = append(nids, models.ObjectID(nid))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM cards WHERE id IN (%s)`, in)); err != nil {
		return nil, fmt.Errorf("failed to remove cards: %w", err)
	}

	var orphans []models.ObjectID
	if len(nids) > 0 {
		orphanRows, err := q.QueryContext(ctx, fmt.Sprintf(
			`SELECT id FROM notes WHERE id IN (%s) AND id NOT IN (SELECT nid FROM cards)`,
			idList(nids)))
		if err != nil {
			return nil, fmt.Errorf("failed to collect orphaned notes: %w", err)
		}
		for orphanRows.Next() {
			var id int64
			if err := orphanRows.Scan(&id); err != nil {
				orphanRows.Close()
				return nil, err
			}
			orphans = append(orphans, models.ObjectID(id))
		}
		if err := orphanRows.Err(); err != nil {
			orphanRows.Close()
			return nil, err
		}
		orphanRows.Close()

		if len(orphans) > 0 {
			if err := execIn(ctx, q, `DELETE FROM notes WHERE id IN (%s)`, orphans); err != nil {
				return nil, fmt.Errorf("failed to remove orphaned notes: %w", err)
			}
		}
	}
	return orphans, nil
}

func addGraves(ctx context.Context, q DBTX, ids []models.ObjectID, kind, usn int) error {
	for _, id := range ids {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO graves (oid, type, usn) VALUES (?, ?, ?)`,
			int64(id), kind, usn); err != nil {
			return fmt.Errorf("failed to add grave: %w", err)
		}
	}
	return nil
}

func execIn(ctx context.Context, q DBTX, queryFmt string, ids []models.ObjectID) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(queryFmt, idList(ids)))
	return err
}

// idList собирает список идентификаторов для оператора IN. Значения
// числовые, интерполяция безопасна.
func idList(ids []models.ObjectID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", int64(id))
	}
	return strings.Join(parts, ",")
}
