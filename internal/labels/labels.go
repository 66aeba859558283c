// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package labels derives filesystem-safe path segments from instance tags.
// Every function here is pure: the same inputs always yield the same label.
package labels

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hyperwheel/fwexport/internal/tags"
	"github.com/hyperwheel/fwexport/pkg/stringutils"
)

// Placeholders substituted for absent values.
const (
	UnknownDate        = "UnknownDate"
	UnknownTime        = "UnknownTime"
	UnknownSeries      = "UnknownSeries"
	UnknownSubject     = "UnknownSubject"
	UnknownFlipAngle   = "NA"
	UnknownSeriesIndex = "0"
)

// Markers looked up in cleaned series descriptions.
const (
	// descriptionSuffix is appended by the scanner to research sequences.
	descriptionSuffix = " (Research)"
	// OrientedMarker identifies the gradient-echo family whose labels carry
	// orientation and flip-angle suffixes. Matched case-sensitively.
	OrientedMarker = "GRE"
	// CaliprMarker identifies series that produce two images per acquisition.
	// Matched ignoring case.
	CaliprMarker = "CALIPR"
)

const orientationTolerance = 0.01

var (
	dateRe = regexp.MustCompile(`^\d{8}$`)
	timeRe = regexp.MustCompile(`^(\d{6})\d*(?:\.\d*)?$`)

	spacedHyphenRe = regexp.MustCompile(`\s+-\s+`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	unsafeCharsRe  = regexp.MustCompile(`[^A-Za-z0-9_.\-]`)
)

type orientation struct {
	suffix string
	ref    [6]float64
}

// Checked in order; the first match wins.
var orientations = []orientation{
	{suffix: "_AXI", ref: [6]float64{1, 0, 0, 0, 1, 0}},
	{suffix: "_SAG", ref: [6]float64{0, 1, 0, 0, 0, -1}},
	{suffix: "_COR", ref: [6]float64{1, 0, 0, 0, 0, -1}},
}

// FormatSessionLabel renders a study date (YYYYMMDD) and time (HHMMSS with
// optional extra precision) as YYYY-MM-DD_HH_MM_SS. Anything that does not
// parse falls back to "<date>_<time>" verbatim, with placeholders for blanks.
func FormatSessionLabel(date, clock string) string {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)

	if t, ok := parseSessionTime(date, clock); ok {
		return t.Format("2006-01-02_15_04_05")
	}

	if date == "" {
		date = UnknownDate
	}
	if clock == "" {
		clock = UnknownTime
	}
	return date + "_" + clock
}

func parseSessionTime(date, clock string) (time.Time, bool) {
	if !dateRe.MatchString(date) {
		return time.Time{}, false
	}
	m := timeRe.FindStringSubmatch(clock)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", date+m[1])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseSessionLabel reverses FormatSessionLabel for well-formed labels.
func ParseSessionLabel(label string) (date, clock string, ok bool) {
	t, err := time.Parse("2006-01-02_15_04_05", label)
	if err != nil {
		return "", "", false
	}
	return t.Format("20060102"), t.Format("150405"), true
}

var cleanDescription = stringutils.NewNormalizer(30*time.Minute, cleanDescriptionInner)

// CleanSeriesDescription turns a free-text series description into a path
// segment made of letters, digits, underscore, period and hyphen. It is
// idempotent.
func CleanSeriesDescription(desc string) string {
	return cleanDescription.Normalize(desc)
}

func cleanDescriptionInner(desc string) string {
	s := strings.TrimSpace(desc)
	if s == "" {
		return UnknownSeries
	}

	if len(s) >= len(descriptionSuffix) && strings.EqualFold(s[len(s)-len(descriptionSuffix):], descriptionSuffix) {
		s = strings.TrimSpace(s[:len(s)-len(descriptionSuffix)])
	}

	s = stringutils.FoldASCII(s)
	s = spacedHyphenRe.ReplaceAllString(s, "_")
	s = whitespaceRe.ReplaceAllString(s, "_")
	s = unsafeCharsRe.ReplaceAllString(s, "")

	if s == "" {
		return UnknownSeries
	}
	return s
}

// OrientationLabel classifies an ImageOrientationPatient value as axial,
// sagittal or coronal. The value may be a backslash-separated string or a
// numeric sequence. Unknown, malformed or oblique vectors yield "".
func OrientationLabel(v any) string {
	vec, ok := orientationVector(v)
	if !ok {
		return ""
	}

	for _, o := range orientations {
		if withinTolerance(vec, o.ref) {
			return o.suffix
		}
	}
	return ""
}

func orientationVector(v any) ([6]float64, bool) {
	var out [6]float64
	var parts []any

	switch val := v.(type) {
	case nil:
		return out, false
	case string:
		for _, p := range strings.Split(val, `\`) {
			parts = append(parts, p)
		}
	case []any:
		parts = val
	case []float64:
		for _, f := range val {
			parts = append(parts, f)
		}
	default:
		return out, false
	}

	if len(parts) != len(out) {
		return out, false
	}
	for i, p := range parts {
		f, ok := tags.Number(p)
		if !ok {
			return out, false
		}
		out[i] = f
	}
	return out, true
}

func withinTolerance(vec, ref [6]float64) bool {
	for i := range vec {
		if math.Abs(vec[i]-ref[i]) > orientationTolerance {
			return false
		}
	}
	return true
}

// CleanFlipAngle renders a flip angle without a decimal point when it is
// integral; other values are returned as their original text.
func CleanFlipAngle(v any) string {
	text, ok := tags.Scalar(v)
	if !ok {
		return UnknownFlipAngle
	}

	f, ok := tags.Number(v)
	if ok && !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return text
}

// DeriveAcquisitionLabel builds "<series>_<description>[_ORI][_FA<angle>]".
// The suffixes are only added for gradient-echo series; calipr reports whether
// the series needs two-file naming.
func DeriveAcquisitionLabel(ts tags.TagSet) (label string, calipr bool) {
	index := SafeSegment(ts.StringOr(tags.SeriesNumber, UnknownSeriesIndex), UnknownSeriesIndex)
	desc := CleanSeriesDescription(ts.StringOr(tags.SeriesDescription, ""))

	label = index + "_" + desc

	if strings.Contains(desc, OrientedMarker) {
		label += OrientationLabel(lookupShared(ts, tags.PlaneOrientationSequence, tags.ImageOrientationPatient))
		label += "_FA" + CleanFlipAngle(lookupShared(ts, tags.MRTimingAndRelatedParametersSequence, tags.FlipAngle))
	}

	calipr = strings.Contains(strings.ToUpper(desc), CaliprMarker)
	return label, calipr
}

// lookupShared reads a per-frame shared functional group attribute, falling
// back to the top-level attribute written by classic single-frame objects.
func lookupShared(ts tags.TagSet, group, key string) any {
	if v, ok := ts.Navigate(tags.SharedFunctionalGroupsSequence, 1, group, 1, key); ok {
		return v
	}
	if v, ok := ts.Get(key); ok {
		return v
	}
	return nil
}

// RoutingKey extracts the segment after the last '/' or '\' of an operator
// identity such as "site/studyA". It reports false when there is no
// separator or nothing follows it.
func RoutingKey(operator string) (string, bool) {
	operator = strings.TrimSpace(operator)
	idx := strings.LastIndexAny(operator, `/\`)
	if idx < 0 {
		return "", false
	}
	key := strings.TrimSpace(operator[idx+1:])
	if key == "" || key == "." || key == ".." {
		return "", false
	}
	return key, true
}

// SubjectID returns the patient identifier as a single path segment.
func SubjectID(ts tags.TagSet) string {
	return SafeSegment(ts.StringOr(tags.PatientID, UnknownSubject), UnknownSubject)
}

// SessionLabel formats the study date and time of ts.
func SessionLabel(ts tags.TagSet) string {
	return FormatSessionLabel(ts.StringOr(tags.StudyDate, ""), ts.StringOr(tags.StudyTime, ""))
}

// SafeSegment keeps raw identifiers as-is apart from separators, which would
// otherwise split or escape the staging hierarchy.
func SafeSegment(s, fallback string) string {
	s = strings.NewReplacer("/", "_", `\`, "_").Replace(strings.TrimSpace(s))
	if s == "" || s == "." || s == ".." {
		return fallback
	}
	return s
}
