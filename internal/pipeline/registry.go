// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/domain"
)

// ContextStore persists study contexts.
type ContextStore interface {
	Upsert(ctx context.Context, sc *domain.StudyContext) error
	Delete(ctx context.Context, studyUID string) error
	List(ctx context.Context) ([]*domain.StudyContext, error)
}

// Registry holds the per-study contexts linking instance arrival to study
// quiescence. Every change is written through to the store.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]*domain.StudyContext
	store    ContextStore
	now      func() time.Time
}

// NewRegistry returns an empty registry. store may be nil for a memory-only
// registry.
func NewRegistry(store ContextStore) *Registry {
	return &Registry{
		contexts: make(map[string]*domain.StudyContext),
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load restores persisted contexts. A context left mid-run by a previous
// process is marked halted so a re-delivered stable event can run it again.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	stored, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load study contexts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sc := range stored {
		if inFlight(sc.State) {
			log.Warn().
				Str("study", sc.StudyUID).
				Str("state", string(sc.State)).
				Msg("pipeline: study was interrupted mid-run, marking halted")
			sc.State = domain.StudyStateHalted
			sc.UpdatedAt = r.now()
			if err := r.store.Upsert(ctx, sc); err != nil {
				return fmt.Errorf("persist interrupted study %s: %w", sc.StudyUID, err)
			}
		}
		r.contexts[sc.StudyUID] = sc
	}

	log.Info().Int("studies", len(stored)).Msg("pipeline: study contexts restored")
	return nil
}

// Get returns a copy of the context for studyUID.
func (r *Registry) Get(studyUID string) (*domain.StudyContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sc, ok := r.contexts[studyUID]
	if !ok {
		return nil, false
	}
	return sc.Clone(), true
}

// FindByHostStudyID returns a copy of the context recorded for the host's
// study identifier.
func (r *Registry) FindByHostStudyID(hostStudyID string) (*domain.StudyContext, bool) {
	if hostStudyID == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sc := range r.contexts {
		if sc.HostStudyID == hostStudyID {
			return sc.Clone(), true
		}
	}
	return nil, false
}

// List returns copies of every held context, oldest first.
func (r *Registry) List() []*domain.StudyContext {
	r.mu.RLock()
	out := make([]*domain.StudyContext, 0, len(r.contexts))
	for _, sc := range r.contexts {
		out = append(out, sc.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StudyUID < out[j].StudyUID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of held contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Record creates or updates the context for studyUID in the arriving state
// and applies update to it.
func (r *Registry) Record(ctx context.Context, studyUID string, update func(sc *domain.StudyContext)) (*domain.StudyContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	sc, ok := r.contexts[studyUID]
	var next *domain.StudyContext
	if ok {
		if err := ValidateTransition(sc.State, domain.StudyStateArriving); err != nil {
			return nil, err
		}
		next = sc.Clone()
	} else {
		next = &domain.StudyContext{
			StudyUID:     studyUID,
			Acquisitions: make(map[string]string),
			ContentTimes: make(map[string]string),
			CreatedAt:    now,
		}
	}
	if next.Acquisitions == nil {
		next.Acquisitions = make(map[string]string)
	}
	if next.ContentTimes == nil {
		next.ContentTimes = make(map[string]string)
	}

	update(next)
	next.State = domain.StudyStateArriving
	next.UpdatedAt = now

	if err := r.persist(ctx, next); err != nil {
		return nil, err
	}
	r.contexts[studyUID] = next
	return next.Clone(), nil
}

// Transition moves the context for studyUID to state. Reaching a discarded
// or purged state evicts the context.
func (r *Registry) Transition(ctx context.Context, studyUID string, to domain.StudyState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc, ok := r.contexts[studyUID]
	if !ok {
		return fmt.Errorf("no study context for %s", studyUID)
	}
	if err := ValidateTransition(sc.State, to); err != nil {
		return err
	}

	if evicts(to) {
		if r.store != nil {
			if err := r.store.Delete(ctx, studyUID); err != nil {
				return fmt.Errorf("evict study context %s: %w", studyUID, err)
			}
		}
		delete(r.contexts, studyUID)
		log.Debug().Str("study", studyUID).Str("state", string(to)).Msg("pipeline: study context evicted")
		return nil
	}

	next := sc.Clone()
	next.State = to
	next.UpdatedAt = r.now()
	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.contexts[studyUID] = next
	return nil
}

func (r *Registry) persist(ctx context.Context, sc *domain.StudyContext) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Upsert(ctx, sc); err != nil {
		return fmt.Errorf("persist study context %s: %w", sc.StudyUID, err)
	}
	return nil
}
