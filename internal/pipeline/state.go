// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pipeline

import (
	"errors"
	"fmt"

	"github.com/hyperwheel/fwexport/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid study state transition")

// StateTransition represents a valid state transition
type StateTransition struct {
	From domain.StudyState
	To   domain.StudyState
}

// validTransitions defines every state change a held study context may make.
var validTransitions = map[StateTransition]bool{
	// More instances
	{domain.StudyStateArriving, domain.StudyStateArriving}: true,
	{domain.StudyStateHalted, domain.StudyStateArriving}:   true,
	{domain.StudyStateRetained, domain.StudyStateArriving}: true,

	// Quiescence, including re-delivery after a halt or partial verification
	{domain.StudyStateArriving, domain.StudyStateRouting}: true,
	{domain.StudyStateHalted, domain.StudyStateRouting}:   true,
	{domain.StudyStateRetained, domain.StudyStateRouting}: true,

	{domain.StudyStateRouting, domain.StudyStateDiscarded}: true,
	{domain.StudyStateRouting, domain.StudyStateHalted}:    true,
	{domain.StudyStateRouting, domain.StudyStateSyncing}:   true,

	{domain.StudyStateSyncing, domain.StudyStateUploading}: true,

	{domain.StudyStateUploading, domain.StudyStateHalted}:    true,
	{domain.StudyStateUploading, domain.StudyStateVerifying}: true,

	{domain.StudyStateVerifying, domain.StudyStatePurged}:   true,
	{domain.StudyStateVerifying, domain.StudyStateRetained}: true,
	{domain.StudyStateVerifying, domain.StudyStateHalted}:   true,
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to domain.StudyState) error {
	if !validTransitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// inFlight reports whether s only occurs while a quiescence run is active.
func inFlight(s domain.StudyState) bool {
	switch s {
	case domain.StudyStateRouting, domain.StudyStateSyncing, domain.StudyStateUploading, domain.StudyStateVerifying:
		return true
	default:
		return false
	}
}

// evicts reports whether reaching s releases the study context.
func evicts(s domain.StudyState) bool {
	return s == domain.StudyStateDiscarded || s == domain.StudyStateDiscardedNoContext || s == domain.StudyStatePurged
}
