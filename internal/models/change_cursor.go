// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperwheel/fwexport/internal/dbinterface"
)

// ChangeCursorStore remembers how far the host change feed was consumed.
type ChangeCursorStore struct {
	db dbinterface.Querier
}

func NewChangeCursorStore(db dbinterface.Querier) *ChangeCursorStore {
	return &ChangeCursorStore{db: db}
}

// Get returns the stored position and whether one exists.
func (s *ChangeCursorStore) Get(ctx context.Context, name string) (int64, bool, error) {
	var position int64
	err := s.db.QueryRowContext(ctx, `SELECT position FROM change_cursors WHERE name = ?`, name).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get change cursor: %w", err)
	}
	return position, true, nil
}

func (s *ChangeCursorStore) Set(ctx context.Context, name string, position int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_cursors (name, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
	`, name, position, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set change cursor: %w", err)
	}
	return nil
}
