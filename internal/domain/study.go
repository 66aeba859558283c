// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// StudyState is a step of the per-study export lifecycle.
type StudyState string

const (
	StudyStateArriving           StudyState = "arriving"
	StudyStateRouting            StudyState = "routing"
	StudyStateSyncing            StudyState = "syncing"
	StudyStateUploading          StudyState = "uploading"
	StudyStateVerifying          StudyState = "verifying"
	StudyStateDiscarded          StudyState = "discarded"
	StudyStateDiscardedNoContext StudyState = "discarded_no_context"
	StudyStateHalted             StudyState = "halted"
	StudyStatePurged             StudyState = "purged"
	StudyStateRetained           StudyState = "retained"
)

// IsTerminal reports whether no further transition is expected.
func (s StudyState) IsTerminal() bool {
	switch s {
	case StudyStateDiscarded, StudyStateDiscardedNoContext, StudyStateHalted, StudyStatePurged, StudyStateRetained:
		return true
	default:
		return false
	}
}

// StudyContext carries what the instance-arrival phase learned about a study
// to the quiescence phase. It is keyed by the study identifier shared by both
// event kinds.
type StudyContext struct {
	StudyUID    string `json:"studyUid"`
	HostStudyID string `json:"hostStudyId,omitempty"`
	RoutingKey  string `json:"routingKey"`
	StagingRoot string `json:"stagingRoot"`

	// Acquisitions maps a staged acquisition directory to the acquisition
	// timestamp of its first instance.
	Acquisitions map[string]string `json:"acquisitions,omitempty"`
	// ContentTimes maps a staged file to its content timestamp.
	ContentTimes map[string]string `json:"contentTimes,omitempty"`

	State     StudyState `json:"state"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *StudyContext) Clone() *StudyContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Acquisitions = cloneMap(c.Acquisitions)
	out.ContentTimes = cloneMap(c.ContentTimes)
	return &out
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// StudyRun records one quiescence-phase execution for a study.
type StudyRun struct {
	ID             int64      `json:"id"`
	StudyUID       string     `json:"studyUid"`
	HostStudyID    string     `json:"hostStudyId,omitempty"`
	RoutingKey     string     `json:"routingKey,omitempty"`
	Destination    string     `json:"destination,omitempty"`
	State          StudyState `json:"state"`
	Reason         string     `json:"reason,omitempty"`
	FilesTotal     int        `json:"filesTotal"`
	FilesVerified  int        `json:"filesVerified"`
	ListingCalls   int        `json:"listingCalls"`
	HostDeleted    bool       `json:"hostDeleted"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	DurationMillis int64      `json:"durationMillis"`
}
