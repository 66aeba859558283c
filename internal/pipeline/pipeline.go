// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pipeline turns host events into staged files and, once a study is
// quiet, into an upload that is verified before anything is deleted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/archive"
	"github.com/hyperwheel/fwexport/internal/domain"
	"github.com/hyperwheel/fwexport/internal/labels"
	"github.com/hyperwheel/fwexport/internal/metrics"
	"github.com/hyperwheel/fwexport/internal/rawsync"
	"github.com/hyperwheel/fwexport/internal/routing"
	"github.com/hyperwheel/fwexport/internal/staging"
	"github.com/hyperwheel/fwexport/internal/tags"
	"github.com/hyperwheel/fwexport/internal/verify"
)

// InstanceEvent reports one instance stored by the host.
type InstanceEvent struct {
	InstanceID string      `json:"instanceId"`
	Tags       tags.TagSet `json:"tags"`
	// HostStudyID is the host's identifier of the parent study, when known.
	HostStudyID string `json:"studyId,omitempty"`
}

// StudyEvent reports that the host considers a study stable.
type StudyEvent struct {
	HostStudyID string            `json:"studyId"`
	Tags        tags.TagSet       `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// StudyUID is set by local quiescence, which only knows the DICOM
	// study identifier.
	StudyUID string `json:"studyUid,omitempty"`
}

// Outcome is the result of one quiescence run.
type Outcome struct {
	StudyUID    string            `json:"studyUid"`
	HostStudyID string            `json:"hostStudyId,omitempty"`
	State       domain.StudyState `json:"state"`
	Reason      string            `json:"reason,omitempty"`
	Report      *verify.Report    `json:"report,omitempty"`
	HostDeleted bool              `json:"hostDeleted"`
	RunID       int64             `json:"runId,omitempty"`
}

// Exporter stages instances.
type Exporter interface {
	Export(ctx context.Context, instanceID string, ts tags.TagSet) (staging.Result, error)
}

// HostClient is the part of the host API the lifecycle needs.
type HostClient interface {
	DeleteStudyRecord(ctx context.Context, studyID string) error
}

// RunStore records quiescence runs.
type RunStore interface {
	Create(ctx context.Context, run *domain.StudyRun) error
	Complete(ctx context.Context, run *domain.StudyRun) error
}

// RouteLoader reads the routing table and key chain. It is called once per
// quiescence run so edits take effect without a restart.
type RouteLoader func() (*routing.Table, error)

// Config wires a Pipeline.
type Config struct {
	ExportRoot string
	Exporter   Exporter
	Host       HostClient
	Archive    archive.Client
	Syncer     rawsync.Syncer
	Routes     RouteLoader
	Registry   *Registry
	Runs       RunStore
	Metrics    *metrics.Manager
}

// Pipeline implements both host event hooks. It is not safe for concurrent
// use; the Dispatcher serializes calls.
type Pipeline struct {
	exportRoot string
	exporter   Exporter
	host       HostClient
	archive    archive.Client
	syncer     rawsync.Syncer
	routes     RouteLoader
	registry   *Registry
	runs       RunStore
	metrics    *metrics.Manager
}

func New(cfg Config) *Pipeline {
	syncer := cfg.Syncer
	if syncer == nil {
		syncer = rawsync.Noop{}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(nil)
	}

	return &Pipeline{
		exportRoot: filepath.Clean(cfg.ExportRoot),
		exporter:   cfg.Exporter,
		host:       cfg.Host,
		archive:    cfg.Archive,
		syncer:     syncer,
		routes:     cfg.Routes,
		registry:   registry,
		runs:       cfg.Runs,
		metrics:    cfg.Metrics,
	}
}

// Registry returns the study context registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// studyKey returns the registry key for an instance or study tag set.
func studyKey(ts tags.TagSet, hostStudyID string) string {
	if uid, ok := ts.String(tags.StudyInstanceUID); ok && strings.TrimSpace(uid) != "" {
		return strings.TrimSpace(uid)
	}
	if hostStudyID != "" {
		return "host:" + hostStudyID
	}
	return ""
}

// OnInstanceStored stages one instance and records what the quiescence run
// will need about its study.
func (p *Pipeline) OnInstanceStored(ctx context.Context, ev InstanceEvent) (staging.Result, error) {
	res, err := p.exporter.Export(ctx, ev.InstanceID, ev.Tags)
	if errors.Is(err, staging.ErrMissingRequiredTag) {
		p.metrics.ObserveInstance(metrics.ResultFailed)
		log.Warn().Err(err).Str("instanceID", ev.InstanceID).Msg("pipeline: instance not exported")
		return res, err
	}

	key := studyKey(ev.Tags, ev.HostStudyID)
	if key == "" {
		log.Warn().Str("instanceID", ev.InstanceID).Msg("pipeline: instance has no study identifier, context not recorded")
	} else if res.RoutingKey != "" {
		if _, recErr := p.registry.Record(ctx, key, func(sc *domain.StudyContext) {
			if sc.RoutingKey != "" && sc.RoutingKey != res.RoutingKey {
				log.Warn().
					Str("study", key).
					Str("previous", sc.RoutingKey).
					Str("routingKey", res.RoutingKey).
					Msg("pipeline: routing key changed within study")
			}
			sc.RoutingKey = res.RoutingKey
			sc.StagingRoot = res.StudyRoot
			if ev.HostStudyID != "" {
				sc.HostStudyID = ev.HostStudyID
			}
			if _, seen := sc.Acquisitions[res.Dir]; !seen || sc.Acquisitions[res.Dir] == "" {
				sc.Acquisitions[res.Dir] = res.AcquisitionDateTime
			}
			if res.Path != "" && res.ContentTime != "" {
				sc.ContentTimes[res.Path] = res.ContentTime
			}
		}); recErr != nil {
			log.Error().Err(recErr).Str("study", key).Msg("pipeline: failed to record study context")
			if err == nil {
				err = recErr
			}
		}
	}

	if err != nil {
		p.metrics.ObserveInstance(metrics.ResultFailed)
		log.Error().Err(err).Str("instanceID", ev.InstanceID).Msg("pipeline: instance export failed")
		return res, err
	}

	if res.Status == staging.StatusSkipped {
		p.metrics.ObserveInstance(metrics.ResultSkipped)
	} else {
		p.metrics.ObserveInstance(metrics.ResultWritten)
	}
	return res, nil
}

// OnStudyStable runs routing, sync, upload, verification and cleanup for a
// quiet study. The returned error is non-nil only when the run could not be
// carried out at all; halts and partial verification are outcomes.
func (p *Pipeline) OnStudyStable(ctx context.Context, ev StudyEvent) (Outcome, error) {
	key := ev.StudyUID
	if key == "" {
		key = studyKey(ev.Tags, ev.HostStudyID)
	}

	sc, ok := p.registry.Get(key)
	if !ok {
		sc, ok = p.registry.FindByHostStudyID(ev.HostStudyID)
	}

	out := Outcome{StudyUID: key, HostStudyID: ev.HostStudyID}
	if ok {
		out.StudyUID = sc.StudyUID
		if out.HostStudyID == "" {
			out.HostStudyID = sc.HostStudyID
		}
	}

	run := &domain.StudyRun{
		StudyUID:    out.StudyUID,
		HostStudyID: out.HostStudyID,
		State:       domain.StudyStateRouting,
		StartedAt:   time.Now().UTC(),
	}
	if ok {
		run.RoutingKey = sc.RoutingKey
	}
	p.startRun(ctx, run)

	logger := log.With().Str("study", out.StudyUID).Str("hostStudyID", out.HostStudyID).Logger()

	if !ok || sc.RoutingKey == "" {
		if dir, found := p.findOrphanedSession(ev.Tags); found {
			logger.Error().Str("session", dir).Msg("pipeline: no routing context but the session is staged, keeping host record")
			out.State = domain.StudyStateHalted
			out.Reason = "staged session without routing context: " + dir
			return p.finish(ctx, run, out, nil)
		}
		if !hasSessionTags(ev.Tags) {
			logger.Error().Msg("pipeline: no routing context and no tags to look for a staged session, deleting host record only")
		} else {
			logger.Warn().Msg("pipeline: no routing context for study, deleting host record only")
		}
		out.State = domain.StudyStateDiscardedNoContext
		out.Reason = "no routing context"
		out.HostDeleted = p.deleteHostRecord(ctx, out.HostStudyID, logger)
		return p.finish(ctx, run, out, nil)
	}

	if err := p.registry.Transition(ctx, sc.StudyUID, domain.StudyStateRouting); err != nil {
		return p.finish(ctx, run, out, err)
	}

	route, err := p.resolve(sc.RoutingKey)
	switch {
	case errors.Is(err, routing.ErrUnroutable):
		logger.Warn().Str("routingKey", sc.RoutingKey).Msg("pipeline: no route for study, discarding staging tree and host record")
		if rmErr := p.removeStagingTree(sc.StagingRoot); rmErr != nil {
			logger.Error().Err(rmErr).Str("root", sc.StagingRoot).Msg("pipeline: failed to remove staging tree")
		}
		out.HostDeleted = p.deleteHostRecord(ctx, out.HostStudyID, logger)
		out.State = domain.StudyStateDiscarded
		out.Reason = err.Error()
		return p.finish(ctx, run, out, p.registry.Transition(ctx, sc.StudyUID, domain.StudyStateDiscarded))
	case err != nil:
		logger.Error().Err(err).Msg("pipeline: routing failed, halting study")
		return p.halt(ctx, run, out, err.Error())
	}

	run.Destination = route.Destination

	if err := p.registry.Transition(ctx, sc.StudyUID, domain.StudyStateSyncing); err != nil {
		return p.finish(ctx, run, out, err)
	}
	p.syncRawData(ctx, sc, logger)

	if err := p.registry.Transition(ctx, sc.StudyUID, domain.StudyStateUploading); err != nil {
		return p.finish(ctx, run, out, err)
	}
	if err := p.archive.Login(ctx, route.Credential); err != nil {
		logger.Error().Err(err).Str("destination", route.Destination).Msg("pipeline: archive login failed, halting study")
		return p.halt(ctx, run, out, err.Error())
	}
	defer func() {
		if err := p.archive.Logout(ctx); err != nil {
			logger.Debug().Err(err).Msg("pipeline: archive logout failed")
		}
	}()

	if err := p.archive.Import(ctx, route.Destination, sc.StagingRoot); err != nil {
		// Verification decides what actually arrived.
		logger.Warn().Err(err).Str("destination", route.Destination).Msg("pipeline: archive import reported failure")
	}

	if err := p.registry.Transition(ctx, sc.StudyUID, domain.StudyStateVerifying); err != nil {
		return p.finish(ctx, run, out, err)
	}

	report, err := verify.NewCoordinator(p.archive).VerifyAndCleanup(ctx, sc.StagingRoot, route.Destination, verify.Options{
		OnListing: p.metrics.ObserveListing,
	})
	out.Report = &report
	run.FilesTotal = report.Files
	run.FilesVerified = report.Verified
	run.ListingCalls = report.ListingCalls
	p.metrics.ObserveVerification(report.Verified, report.Files-report.Verified)
	if err != nil {
		logger.Error().Err(err).Msg("pipeline: verification could not run, halting study")
		return p.halt(ctx, run, out, err.Error())
	}

	if !report.AllVerified() {
		logger.Warn().
			Int("files", report.Files).
			Int("verified", report.Verified).
			Int("unverified", len(report.Unverified)+len(report.DeleteFailed)).
			Msg("pipeline: study partially verified, retaining staging tree and host record")
		out.State = domain.StudyStateRetained
		out.Reason = fmt.Sprintf("%d of %d files verified", report.Verified, report.Files)
		return p.finish(ctx, run, out, p.registry.Transition(ctx, sc.StudyUID, domain.StudyStateRetained))
	}

	if out.HostStudyID == "" {
		logger.Error().Msg("pipeline: study fully verified but host study id is unknown, halting")
		return p.halt(ctx, run, out, "host study id unknown")
	}
	if err := p.host.DeleteStudyRecord(ctx, out.HostStudyID); err != nil {
		logger.Error().Err(err).Msg("pipeline: failed to delete host study record, halting")
		return p.halt(ctx, run, out, err.Error())
	}
	out.HostDeleted = true

	logger.Info().Int("files", report.Files).Str("destination", route.Destination).Msg("pipeline: study purged")
	out.State = domain.StudyStatePurged
	return p.finish(ctx, run, out, p.registry.Transition(ctx, sc.StudyUID, domain.StudyStatePurged))
}

func (p *Pipeline) resolve(key string) (routing.Route, error) {
	if p.routes == nil {
		return routing.Route{}, fmt.Errorf("%w: no route loader configured", routing.ErrConfigLoad)
	}
	table, err := p.routes()
	if err != nil {
		return routing.Route{}, err
	}
	return table.Resolve(key)
}

func (p *Pipeline) syncRawData(ctx context.Context, sc *domain.StudyContext, logger zerolog.Logger) {
	req := rawsync.Request{
		StudyUID:     sc.StudyUID,
		RoutingKey:   sc.RoutingKey,
		StagingRoot:  sc.StagingRoot,
		ExportRoot:   p.exportRoot,
		Acquisitions: sc.Acquisitions,
		ContentTimes: sc.ContentTimes,
	}
	if err := p.syncer.Sync(ctx, req); err != nil {
		logger.Warn().Err(err).Msg("pipeline: raw data sync failed, continuing")
	}
}

// deleteHostRecord removes the study on the host and reports success.
func (p *Pipeline) deleteHostRecord(ctx context.Context, hostStudyID string, logger zerolog.Logger) bool {
	if hostStudyID == "" {
		logger.Warn().Msg("pipeline: host study id unknown, cannot delete host record")
		return false
	}
	if err := p.host.DeleteStudyRecord(ctx, hostStudyID); err != nil {
		logger.Error().Err(err).Msg("pipeline: failed to delete host study record")
		return false
	}
	return true
}

// removeStagingTree deletes root, which must lie strictly inside the export
// root.
func (p *Pipeline) removeStagingTree(root string) error {
	if root == "" {
		return nil
	}
	root = filepath.Clean(root)
	rel, err := filepath.Rel(p.exportRoot, root)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("refusing to remove %s outside export root %s", root, p.exportRoot)
	}
	return os.RemoveAll(root)
}

func hasSessionTags(ts tags.TagSet) bool {
	_, ok := ts.String(tags.PatientID)
	return ok
}

// findOrphanedSession looks under every routing key of the export root for
// the subject and session named by ts. A hit means instances were staged
// under a context that has since been lost.
func (p *Pipeline) findOrphanedSession(ts tags.TagSet) (string, bool) {
	if p.exportRoot == "" || !hasSessionTags(ts) {
		return "", false
	}

	entries, err := os.ReadDir(p.exportRoot)
	if err != nil {
		return "", false
	}

	subject := labels.SubjectID(ts)
	session := labels.SessionLabel(ts)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(p.exportRoot, entry.Name(), subject, session)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

func (p *Pipeline) halt(ctx context.Context, run *domain.StudyRun, out Outcome, reason string) (Outcome, error) {
	out.State = domain.StudyStateHalted
	out.Reason = reason
	return p.finish(ctx, run, out, p.registry.Transition(ctx, out.StudyUID, domain.StudyStateHalted))
}

func (p *Pipeline) startRun(ctx context.Context, run *domain.StudyRun) {
	if p.runs == nil {
		return
	}
	if err := p.runs.Create(ctx, run); err != nil {
		log.Error().Err(err).Str("study", run.StudyUID).Msg("pipeline: failed to record study run")
	}
}

func (p *Pipeline) finish(ctx context.Context, run *domain.StudyRun, out Outcome, err error) (Outcome, error) {
	if err != nil && out.State == "" {
		out.State = domain.StudyStateHalted
		out.Reason = err.Error()
	}

	run.State = out.State
	run.Reason = out.Reason
	run.HostDeleted = out.HostDeleted
	out.RunID = run.ID

	if p.runs != nil && run.ID != 0 {
		if cerr := p.runs.Complete(context.WithoutCancel(ctx), run); cerr != nil {
			log.Error().Err(cerr).Str("study", run.StudyUID).Msg("pipeline: failed to complete study run")
		}
	}

	p.metrics.ObserveStudy(out.State)
	log.Info().
		Str("study", out.StudyUID).
		Str("state", string(out.State)).
		Str("reason", out.Reason).
		Bool("hostDeleted", out.HostDeleted).
		Msg("pipeline: study run finished")

	return out, err
}
