package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomasweil/confluence/internal/types"
)

// ErrThemeNotFound is returned when a theme id does not exist.
var ErrThemeNotFound = fmt.Errorf("theme not found")

// SaveTheme upserts a theme's scalar row inside the batch. Evidence,
// history and contradictions are appended through their own calls so
// the append-only invariants are visible at the write site.
func (b *Batch) SaveTheme(ctx context.Context, t *types.Theme) error {
	pillarsJSON, _ := json.Marshal(t.Pillars)
	falsificationJSON, _ := json.Marshal(t.FalsificationCriteria)

	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO themes (id, label, created_at, updated_at, status, conviction, interval, pillars, falsification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			status = excluded.status,
			conviction = excluded.conviction,
			interval = excluded.interval,
			pillars = excluded.pillars,
			falsification = excluded.falsification
	`, t.ID, t.Label, t.CreatedAt.UTC(), t.UpdatedAt.UTC(), string(t.Status),
		t.Conviction, t.Interval, string(pillarsJSON), string(falsificationJSON))

	return err
}

// AppendEvidence records one contributing item on a theme. Re-appending
// an existing (theme, item) pair is a no-op, keeping re-ingestion
// idempotent.
func (b *Batch) AppendEvidence(ctx context.Context, themeID string, ref types.EvidenceRef, position int) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO theme_evidence (theme_id, item_id, source, added_at, position)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(theme_id, item_id) DO NOTHING
	`, themeID, ref.ItemID, ref.Source, ref.AddedAt.UTC(), position)
	return err
}

// AppendHistory appends one conviction point. History rows are never
// updated or deleted.
func (b *Batch) AppendHistory(ctx context.Context, themeID string, p types.ConvictionPoint) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO conviction_history (theme_id, ts, value, interval)
		VALUES (?, ?, ?, ?)
	`, themeID, p.Timestamp.UTC(), p.Value, p.Interval)
	return err
}

// AppendContradiction records a contradiction event on a theme.
func (b *Batch) AppendContradiction(ctx context.Context, themeID string, ev types.ContradictionEvent) error {
	_, err := b.tx.ExecContext(ctx, `
		INSERT INTO contradictions (theme_id, item_id, source, item_bias, dominant_bias, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, themeID, ev.ItemID, ev.Source, string(ev.ItemBias), string(ev.DominantBias), ev.At.UTC())
	return err
}

// ThemeFilter narrows theme queries.
type ThemeFilter struct {
	Status        types.ThemeStatus
	MinConviction float64
}

// Themes returns themes matching the filter, most recently updated
// first, with evidence, history and contradictions loaded.
func (s *Store) Themes(ctx context.Context, filter ThemeFilter) ([]*types.Theme, error) {
	query := `SELECT id, label, created_at, updated_at, status, conviction, interval, pillars, falsification FROM themes WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.MinConviction > 0 {
		query += ` AND conviction >= ?`
		args = append(args, filter.MinConviction)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var themes []*types.Theme
	for rows.Next() {
		t, err := scanTheme(rows)
		if err != nil {
			return nil, err
		}
		themes = append(themes, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range themes {
		if err := s.loadThemeDetail(ctx, t); err != nil {
			return nil, err
		}
	}
	return themes, nil
}

// GetTheme loads one theme with full detail.
func (s *Store) GetTheme(ctx context.Context, id string) (*types.Theme, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, created_at, updated_at, status, conviction, interval, pillars, falsification
		FROM themes WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrThemeNotFound
	}
	t, err := scanTheme(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	if err := s.loadThemeDetail(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetThemeStatus applies a manual status transition outside a batch.
func (s *Store) SetThemeStatus(ctx context.Context, id string, status types.ThemeStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE themes SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), now.UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrThemeNotFound
	}
	return nil
}

// ThemeHistory returns the conviction trajectory oldest-first.
func (s *Store) ThemeHistory(ctx context.Context, themeID string) ([]types.ConvictionPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, value, interval FROM conviction_history
		WHERE theme_id = ? ORDER BY ts ASC
	`, themeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []types.ConvictionPoint
	for rows.Next() {
		var p types.ConvictionPoint
		if err := rows.Scan(&p.Timestamp, &p.Value, &p.Interval); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// RecentSummaries returns the newest contributing-item summaries for a
// theme, for similarity matching.
func (s *Store) RecentSummaries(ctx context.Context, themeID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.summary FROM content_items i
		JOIN theme_evidence e ON e.item_id = i.id
		WHERE e.theme_id = ? ORDER BY e.position DESC LIMIT ?
	`, themeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentTickers returns tickers mentioned by the newest contributing
// items of a theme.
func (s *Store) RecentTickers(ctx context.Context, themeID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.tickers FROM content_items i
		JOIN theme_evidence e ON e.item_id = i.id
		WHERE e.theme_id = ? ORDER BY e.position DESC LIMIT ?
	`, themeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tickersJSON string
		if err := rows.Scan(&tickersJSON); err != nil {
			return nil, err
		}
		var tickers []string
		json.Unmarshal([]byte(tickersJSON), &tickers)
		out = append(out, tickers...)
	}
	return out, rows.Err()
}

func scanTheme(rows *sql.Rows) (*types.Theme, error) {
	var t types.Theme
	var status, pillarsJSON, falsificationJSON string
	var createdAt, updatedAt time.Time

	err := rows.Scan(&t.ID, &t.Label, &createdAt, &updatedAt, &status,
		&t.Conviction, &t.Interval, &pillarsJSON, &falsificationJSON)
	if err != nil {
		return nil, err
	}

	t.Status = types.ThemeStatus(status)
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	if err := json.Unmarshal([]byte(pillarsJSON), &t.Pillars); err != nil {
		slog.Warn("corrupt pillars payload, scores reset", "theme", t.ID, "error", err)
	}
	if err := json.Unmarshal([]byte(falsificationJSON), &t.FalsificationCriteria); err != nil {
		slog.Warn("corrupt falsification payload, criteria reset", "theme", t.ID, "error", err)
	}

	return &t, nil
}

func (s *Store) loadThemeDetail(ctx context.Context, t *types.Theme) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, source, added_at FROM theme_evidence
		WHERE theme_id = ? ORDER BY position ASC
	`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ref types.EvidenceRef
		if err := rows.Scan(&ref.ItemID, &ref.Source, &ref.AddedAt); err != nil {
			return err
		}
		t.Evidence = append(t.Evidence, ref)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	history, err := s.ThemeHistory(ctx, t.ID)
	if err != nil {
		return err
	}
	t.History = history

	crows, err := s.db.QueryContext(ctx, `
		SELECT item_id, source, item_bias, dominant_bias, at FROM contradictions
		WHERE theme_id = ? ORDER BY at ASC
	`, t.ID)
	if err != nil {
		return err
	}
	defer crows.Close()

	for crows.Next() {
		var ev types.ContradictionEvent
		var itemBias, dominantBias string
		if err := crows.Scan(&ev.ItemID, &ev.Source, &itemBias, &dominantBias, &ev.At); err != nil {
			return err
		}
		ev.ItemBias = types.Sentiment(itemBias)
		ev.DominantBias = types.Sentiment(dominantBias)
		t.Contradictions = append(t.Contradictions, ev)
	}
	return crows.Err()
}
