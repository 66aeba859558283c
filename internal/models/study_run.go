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
	"github.com/hyperwheel/fwexport/internal/domain"
)

var ErrStudyRunNotFound = errors.New("study run not found")

// StudyRunStore keeps the history of quiescence-phase runs.
type StudyRunStore struct {
	db dbinterface.Querier
}

func NewStudyRunStore(db dbinterface.Querier) *StudyRunStore {
	return &StudyRunStore{db: db}
}

// Create records a started run and sets run.ID.
func (s *StudyRunStore) Create(ctx context.Context, run *domain.StudyRun) error {
	if run == nil {
		return errors.New("study run is nil")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO study_runs (study_uid, host_study_id, routing_key, destination, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.StudyUID, run.HostStudyID, run.RoutingKey, run.Destination, string(run.State), run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create study run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get study run id: %w", err)
	}
	run.ID = id
	return nil
}

// Complete stores the final outcome of run.
func (s *StudyRunStore) Complete(ctx context.Context, run *domain.StudyRun) error {
	if run == nil || run.ID == 0 {
		return errors.New("study run has no id")
	}

	completedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}
	run.CompletedAt = &completedAt
	run.DurationMillis = completedAt.Sub(run.StartedAt).Milliseconds()

	hostDeleted := 0
	if run.HostDeleted {
		hostDeleted = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE study_runs
		SET routing_key = ?, destination = ?, state = ?, reason = ?,
			files_total = ?, files_verified = ?, listing_calls = ?, host_deleted = ?,
			completed_at = ?, duration_ms = ?
		WHERE id = ?
	`, run.RoutingKey, run.Destination, string(run.State), run.Reason,
		run.FilesTotal, run.FilesVerified, run.ListingCalls, hostDeleted,
		completedAt, run.DurationMillis, run.ID)
	if err != nil {
		return fmt.Errorf("failed to complete study run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrStudyRunNotFound
	}
	return nil
}

// List returns the most recent runs first. A limit of zero or less means 100.
func (s *StudyRunStore) List(ctx context.Context, studyUID string, limit int) ([]*domain.StudyRun, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, study_uid, host_study_id, routing_key, destination, state, reason,
			files_total, files_verified, listing_calls, host_deleted, started_at, completed_at, duration_ms
		FROM study_runs
	`
	args := []any{}
	if studyUID != "" {
		query += ` WHERE study_uid = ?`
		args = append(args, studyUID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query study runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.StudyRun
	for rows.Next() {
		run := &domain.StudyRun{}
		var (
			state       string
			hostDeleted int
			completedAt sql.NullTime
		)
		if err := rows.Scan(
			&run.ID,
			&run.StudyUID,
			&run.HostStudyID,
			&run.RoutingKey,
			&run.Destination,
			&state,
			&run.Reason,
			&run.FilesTotal,
			&run.FilesVerified,
			&run.ListingCalls,
			&hostDeleted,
			&run.StartedAt,
			&completedAt,
			&run.DurationMillis,
		); err != nil {
			return nil, fmt.Errorf("failed to scan study run: %w", err)
		}
		run.State = domain.StudyState(state)
		run.HostDeleted = hostDeleted == 1
		if completedAt.Valid {
			t := completedAt.Time
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating study runs: %w", err)
	}
	return runs, nil
}
