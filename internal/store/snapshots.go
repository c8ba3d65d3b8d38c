package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tomasweil/confluence/internal/synth"
)

// SaveSnapshot persists a rendered snapshot. Snapshots are immutable;
// each render inserts a new row and history stays queryable.
func (s *Store) SaveSnapshot(ctx context.Context, snap synth.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, generated_at, degraded, payload)
		VALUES (?, ?, ?, ?)
	`, snap.ID, snap.GeneratedAt.UTC(), snap.Degraded, string(payload))
	return err
}

// LatestSnapshot returns the most recent non-degraded snapshot, or nil
// when none has been rendered yet.
func (s *Store) LatestSnapshot(ctx context.Context) (*synth.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM snapshots
		WHERE degraded = 0
		ORDER BY generated_at DESC LIMIT 1
	`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap synth.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// GetSnapshot returns one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*synth.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap synth.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
