package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tomasweil/confluence/internal/types"
)

// SaveItem inserts a content item inside the batch. Items are immutable
// so conflicts on id are ignored rather than updated.
func (b *Batch) SaveItem(ctx context.Context, item types.ContentItem) error {
	themesJSON, _ := json.Marshal(item.Themes)
	tickersJSON, _ := json.Marshal(item.Tickers)
	levelsJSON, _ := json.Marshal(item.KeyLevels)
	evidenceJSON, _ := json.Marshal(item.Evidence)

	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO content_items (id, source, kind, collected_at, themes,
			sentiment, conviction, tickers, key_levels, summary, derived_from, evidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, item.ID, item.Source, string(item.Kind), item.CollectedAt.UTC(), string(themesJSON),
		string(item.Sentiment), item.Conviction, string(tickersJSON), string(levelsJSON),
		item.Summary, item.DerivedFrom, string(evidenceJSON))

	return err
}

// ItemExists checks if a content item id already exists
func (s *Store) ItemExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM content_items WHERE id = ?)`, id).Scan(&exists)
	return exists, err
}

const itemColumns = `id, source, kind, collected_at, themes, sentiment,
	conviction, tickers, key_levels, summary, derived_from, evidence`

// ItemsForTheme returns a theme's contributing items keyed by id.
func (s *Store) ItemsForTheme(ctx context.Context, themeID string) (map[string]types.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM content_items
		WHERE id IN (SELECT item_id FROM theme_evidence WHERE theme_id = ?)
	`, themeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanItemMap(rows)
}

// ItemsForThemes returns contributing items for a set of themes keyed
// by item id, for snapshot rendering.
func (s *Store) ItemsForThemes(ctx context.Context, themeIDs []string) (map[string]types.ContentItem, error) {
	out := map[string]types.ContentItem{}
	for _, id := range themeIDs {
		items, err := s.ItemsForTheme(ctx, id)
		if err != nil {
			return nil, err
		}
		for k, v := range items {
			out[k] = v
		}
	}
	return out, nil
}

// OrderedItemsForTheme returns a theme's contributing items in
// insertion order, for bias-window and matching lookups.
func (s *Store) OrderedItemsForTheme(ctx context.Context, themeID string) ([]types.ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.source, i.kind, i.collected_at, i.themes, i.sentiment,
			i.conviction, i.tickers, i.key_levels, i.summary, i.derived_from, i.evidence
		FROM content_items i
		JOIN theme_evidence e ON e.item_id = i.id
		WHERE e.theme_id = ?
		ORDER BY e.position ASC
	`, themeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []types.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItemMap(rows *sql.Rows) (map[string]types.ContentItem, error) {
	items := map[string]types.ContentItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items[item.ID] = item
	}
	return items, rows.Err()
}

func scanItem(rows *sql.Rows) (types.ContentItem, error) {
	var item types.ContentItem
	var kind, sentiment string
	var themesJSON, tickersJSON, levelsJSON, evidenceJSON string
	var collectedAt time.Time

	err := rows.Scan(&item.ID, &item.Source, &kind, &collectedAt, &themesJSON,
		&sentiment, &item.Conviction, &tickersJSON, &levelsJSON,
		&item.Summary, &item.DerivedFrom, &evidenceJSON)
	if err != nil {
		return item, err
	}

	item.Kind = types.ContentKind(kind)
	item.Sentiment = types.Sentiment(sentiment)
	item.CollectedAt = collectedAt

	warn := func(field string, err error) {
		if err != nil {
			slog.Warn("corrupt item payload field, value reset", "item", item.ID, "field", field, "error", err)
		}
	}
	warn("themes", json.Unmarshal([]byte(themesJSON), &item.Themes))
	warn("tickers", json.Unmarshal([]byte(tickersJSON), &item.Tickers))
	warn("key_levels", json.Unmarshal([]byte(levelsJSON), &item.KeyLevels))
	warn("evidence", json.Unmarshal([]byte(evidenceJSON), &item.Evidence))

	return item, nil
}
