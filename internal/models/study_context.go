// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/dbinterface"
	"github.com/hyperwheel/fwexport/internal/domain"
)

var ErrStudyContextNotFound = errors.New("study context not found")

// StudyContextStore persists the per-study context recorded while
// instances arrive so a restart between arrival and quiescence keeps it.
type StudyContextStore struct {
	db dbinterface.Querier
}

func NewStudyContextStore(db dbinterface.Querier) *StudyContextStore {
	return &StudyContextStore{db: db}
}

const studyContextColumns = `study_uid, host_study_id, routing_key, staging_root, acquisitions, content_times, state, created_at, updated_at`

func (s *StudyContextStore) Get(ctx context.Context, studyUID string) (*domain.StudyContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+studyContextColumns+`
		FROM study_contexts
		WHERE study_uid = ?
	`, studyUID)

	sc, err := scanStudyContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStudyContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study context: %w", err)
	}
	return sc, nil
}

// GetByHostStudyID finds a context by the host's internal study identifier.
func (s *StudyContextStore) GetByHostStudyID(ctx context.Context, hostStudyID string) (*domain.StudyContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+studyContextColumns+`
		FROM study_contexts
		WHERE host_study_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`, hostStudyID)

	sc, err := scanStudyContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStudyContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study context by host id: %w", err)
	}
	return sc, nil
}

// Upsert inserts or replaces the stored context for sc.StudyUID.
func (s *StudyContextStore) Upsert(ctx context.Context, sc *domain.StudyContext) error {
	if sc == nil {
		return errors.New("study context is nil")
	}

	acquisitions, err := json.Marshal(nonNilMap(sc.Acquisitions))
	if err != nil {
		return fmt.Errorf("failed to encode acquisitions: %w", err)
	}
	contentTimes, err := json.Marshal(nonNilMap(sc.ContentTimes))
	if err != nil {
		return fmt.Errorf("failed to encode content times: %w", err)
	}

	now := time.Now().UTC()
	createdAt := sc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO study_contexts (`+studyContextColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (study_uid) DO UPDATE SET
			host_study_id = excluded.host_study_id,
			routing_key = excluded.routing_key,
			staging_root = excluded.staging_root,
			acquisitions = excluded.acquisitions,
			content_times = excluded.content_times,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, sc.StudyUID, sc.HostStudyID, sc.RoutingKey, sc.StagingRoot,
		string(acquisitions), string(contentTimes), string(sc.State), createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert study context: %w", err)
	}
	return nil
}

func (s *StudyContextStore) Delete(ctx context.Context, studyUID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM study_contexts WHERE study_uid = ?`, studyUID); err != nil {
		return fmt.Errorf("failed to delete study context: %w", err)
	}
	return nil
}

func (s *StudyContextStore) List(ctx context.Context) ([]*domain.StudyContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+studyContextColumns+`
		FROM study_contexts
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query study contexts: %w", err)
	}
	defer rows.Close()

	var out []*domain.StudyContext
	for rows.Next() {
		sc, err := scanStudyContext(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan study context: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating study contexts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudyContext(row rowScanner) (*domain.StudyContext, error) {
	var (
		sc           domain.StudyContext
		acquisitions string
		contentTimes string
		state        string
	)
	if err := row.Scan(&sc.StudyUID, &sc.HostStudyID, &sc.RoutingKey, &sc.StagingRoot,
		&acquisitions, &contentTimes, &state, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.State = domain.StudyState(state)
	sc.Acquisitions = parseStringMap(acquisitions)
	sc.ContentTimes = parseStringMap(contentTimes)
	return &sc, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func parseStringMap(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Warn().Err(err).Msg("failed to decode stored study context map")
		return map[string]string{}
	}
	if out == nil {
		out = map[string]string{}
	}
	return out
}
