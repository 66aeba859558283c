// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package staging writes arriving instances into the human-organized staging
// tree: exportRoot/routingKey/subject/session/acquisition/file.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/labels"
	"github.com/hyperwheel/fwexport/internal/tags"
	"github.com/hyperwheel/fwexport/pkg/fsutil"
)

// Extension is appended to every staged instance.
const Extension = ".dcm"

// Suffixes reserved for the two images of a CALIPR acquisition.
var caliprSuffixes = []string{"_1", "_2"}

// ErrMissingRequiredTag is returned when the operator identity needed for
// routing is absent or has no separator. Nothing is written.
var ErrMissingRequiredTag = errors.New("missing required tag")

// Status describes the outcome of an export.
type Status string

const (
	StatusWritten Status = "written"
	StatusSkipped Status = "skipped"
)

// ContentFetcher downloads the raw bytes of an instance from the host.
type ContentFetcher interface {
	FetchInstanceContent(ctx context.Context, instanceID string) (io.ReadCloser, error)
}

// Target is the derived placement of one instance.
type Target struct {
	RoutingKey       string
	SubjectID        string
	SessionLabel     string
	AcquisitionLabel string
	Calipr           bool

	// StudyRoot is exportRoot/routingKey.
	StudyRoot string
	// Dir is the acquisition directory.
	Dir string
}

// Result reports what Export did with one instance.
type Result struct {
	Target
	Path   string
	Status Status

	AcquisitionDateTime string
	ContentTime         string
}

// BuildTarget derives the staging directory for ts. The file name is chosen
// by Export because CALIPR naming depends on what is already on disk.
func BuildTarget(exportRoot string, ts tags.TagSet) (Target, error) {
	operator, _ := ts.String(tags.OperatorsName)
	key, ok := labels.RoutingKey(operator)
	if !ok {
		return Target{}, fmt.Errorf("%w: %s %q has no routing key", ErrMissingRequiredTag, tags.OperatorsName, operator)
	}

	acq, calipr := labels.DeriveAcquisitionLabel(ts)
	t := Target{
		RoutingKey:       key,
		SubjectID:        labels.SubjectID(ts),
		SessionLabel:     labels.SessionLabel(ts),
		AcquisitionLabel: acq,
		Calipr:           calipr,
		StudyRoot:        filepath.Join(exportRoot, key),
	}
	t.Dir = filepath.Join(t.StudyRoot, t.SubjectID, t.SessionLabel, t.AcquisitionLabel)
	return t, nil
}

// FileName picks the file for t inside its directory. It reports false when
// every candidate already exists and the instance must be skipped.
func (t Target) FileName() (string, bool) {
	if !t.Calipr {
		path := filepath.Join(t.Dir, t.AcquisitionLabel+Extension)
		return path, !fsutil.Exists(path)
	}

	for _, suffix := range caliprSuffixes {
		path := filepath.Join(t.Dir, t.AcquisitionLabel+suffix+Extension)
		if !fsutil.Exists(path) {
			return path, true
		}
	}
	return "", false
}

// Exporter places instances into the staging tree.
type Exporter struct {
	root    string
	fetcher ContentFetcher
}

// NewExporter returns an exporter writing under exportRoot.
func NewExporter(exportRoot string, fetcher ContentFetcher) *Exporter {
	return &Exporter{root: exportRoot, fetcher: fetcher}
}

// Root returns the export root.
func (e *Exporter) Root() string {
	return e.root
}

// Export stages one instance. An already-present target is skipped without
// fetching anything from the host.
func (e *Exporter) Export(ctx context.Context, instanceID string, ts tags.TagSet) (Result, error) {
	target, err := BuildTarget(e.root, ts)
	if err != nil {
		return Result{}, err
	}

	res := Result{Target: target}
	res.AcquisitionDateTime, _ = ts.String(tags.AcquisitionDateTime)
	res.ContentTime, _ = ts.String(tags.ContentTime)

	if err := os.MkdirAll(target.Dir, 0o755); err != nil {
		return res, fmt.Errorf("create staging directory %s: %w", target.Dir, err)
	}

	path, ok := target.FileName()
	res.Path = path
	if !ok {
		res.Status = StatusSkipped
		log.Debug().
			Str("instanceID", instanceID).
			Str("dir", target.Dir).
			Msg("staging: all target names present, skipping")
		return res, nil
	}

	content, err := e.fetcher.FetchInstanceContent(ctx, instanceID)
	if err != nil {
		return res, fmt.Errorf("fetch instance %s: %w", instanceID, err)
	}
	defer content.Close()

	if err := fsutil.WriteFileAtomic(path, content, 0o644); err != nil {
		return res, err
	}

	res.Status = StatusWritten
	log.Debug().
		Str("instanceID", instanceID).
		Str("path", path).
		Msg("staging: instance written")
	return res, nil
}
