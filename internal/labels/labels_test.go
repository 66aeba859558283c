// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package labels

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperwheel/fwexport/internal/tags"
)

func TestFormatSessionLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		date  string
		clock string
		want  string
	}{
		{name: "canonical", date: "20240102", clock: "030405", want: "2024-01-02_03_04_05"},
		{name: "fractional seconds truncated", date: "20240102", clock: "030405.123456", want: "2024-01-02_03_04_05"},
		{name: "extra digits truncated", date: "20240102", clock: "03040512", want: "2024-01-02_03_04_05"},
		{name: "short time falls back", date: "20240102", clock: "0304", want: "20240102_0304"},
		{name: "short date falls back", date: "202401", clock: "030405", want: "202401_030405"},
		{name: "invalid month falls back", date: "20241302", clock: "030405", want: "20241302_030405"},
		{name: "missing date", date: "", clock: "030405", want: "UnknownDate_030405"},
		{name: "missing time", date: "20240102", clock: "", want: "20240102_UnknownTime"},
		{name: "both missing", date: "", clock: "  ", want: "UnknownDate_UnknownTime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatSessionLabel(tt.date, tt.clock))
		})
	}
}

func TestFormatSessionLabelRoundTrip(t *testing.T) {
	t.Parallel()

	pairs := [][2]string{
		{"20240102", "030405"},
		{"19991231", "235959"},
		{"20200229", "000000"},
		{"20251018", "120000"},
	}

	for _, p := range pairs {
		label := FormatSessionLabel(p[0], p[1])
		assert.Equal(t, label, FormatSessionLabel(p[0], p[1]))

		date, clock, ok := ParseSessionLabel(label)
		require.True(t, ok, label)
		assert.Equal(t, p[0], date)
		assert.Equal(t, p[1], clock)
	}

	_, _, ok := ParseSessionLabel("20240102_0304")
	assert.False(t, ok)
}

func TestCleanSeriesDescription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "T1 - localizer", want: "T1_localizer"},
		{in: "  T1   MPRAGE  ", want: "T1_MPRAGE"},
		{in: "mGRE (Research)", want: "mGRE"},
		{in: "mGRE (research)", want: "mGRE"},
		{in: "ep2d-diff", want: "ep2d-diff"},
		{in: "T2* FLAIR/sag", want: "T2_FLAIRsag"},
		{in: "séquence café", want: "sequence_cafe"},
		{in: "1.5mm iso", want: "1.5mm_iso"},
		{in: "", want: UnknownSeries},
		{in: "***", want: UnknownSeries},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CleanSeriesDescription(tt.in))
		})
	}
}

func TestCleanSeriesDescriptionIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"T1 - localizer",
		"CALIPR GRE (Research)",
		"  a  -  b  -  c ",
		"x (Research) (Research)",
		"Ørsted ﬁeld map",
		"",
		"__--..",
		"\ttab\nnewline",
		"weird!@#$%^&*()chars",
	}

	for _, in := range inputs {
		once := CleanSeriesDescription(in)
		assert.Equal(t, once, CleanSeriesDescription(once), "input %q", in)
		assert.Regexp(t, `^[A-Za-z0-9_.\-]+$`, once)
	}
}

func TestOrientationLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "axial string", in: `1\0\0\0\1\0`, want: "_AXI"},
		{name: "sagittal string", in: `0\1\0\0\0\-1`, want: "_SAG"},
		{name: "coronal string", in: `1\0\0\0\0\-1`, want: "_COR"},
		{name: "axial within tolerance", in: []any{0.995, 0.005, 0.0, 0.0, 1.009, -0.01}, want: "_AXI"},
		{name: "sagittal float slice", in: []float64{0, 1, 0, 0, 0, -1}, want: "_SAG"},
		{name: "json numbers", in: []any{json.Number("1"), json.Number("0"), json.Number("0"), json.Number("0"), json.Number("0"), json.Number("-1")}, want: "_COR"},
		{name: "outside tolerance", in: []any{0.98, 0, 0, 0, 1, 0}, want: ""},
		{name: "oblique", in: `0.7071\0.7071\0\0\0\-1`, want: ""},
		{name: "too short", in: `1\0\0\0\1`, want: ""},
		{name: "too long", in: []any{1, 0, 0, 0, 1, 0, 0}, want: ""},
		{name: "not numeric", in: `1\0\0\0\x\0`, want: ""},
		{name: "absent", in: nil, want: ""},
		{name: "wrong type", in: map[string]any{"a": 1}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, OrientationLabel(tt.in))
		})
	}
}

func TestOrientationLabelRange(t *testing.T) {
	t.Parallel()

	allowed := []string{"", "_AXI", "_SAG", "_COR"}
	values := []float64{-1, -0.5, 0, 0.005, 0.5, 0.999, 1}

	for i := 0; i < 500; i++ {
		vec := make([]float64, 6)
		n := i
		for j := range vec {
			vec[j] = values[n%len(values)]
			n /= len(values)
		}
		assert.Contains(t, allowed, OrientationLabel(vec), fmt.Sprint(vec))
	}
}

func TestCleanFlipAngle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "12", CleanFlipAngle(json.Number("12")))
	assert.Equal(t, "12", CleanFlipAngle(12.0))
	assert.Equal(t, "12", CleanFlipAngle("12.0"))
	assert.Equal(t, "12.5", CleanFlipAngle(12.5))
	assert.Equal(t, "12.5", CleanFlipAngle("12.5"))
	assert.Equal(t, "abc", CleanFlipAngle("abc"))
	assert.Equal(t, UnknownFlipAngle, CleanFlipAngle(nil))
	assert.Equal(t, UnknownFlipAngle, CleanFlipAngle(""))
	assert.Equal(t, UnknownFlipAngle, CleanFlipAngle([]any{1}))
}

func TestDeriveAcquisitionLabel(t *testing.T) {
	t.Parallel()

	shared := func(orientation, flip any) []any {
		return []any{map[string]any{
			tags.PlaneOrientationSequence:             []any{map[string]any{tags.ImageOrientationPatient: orientation}},
			tags.MRTimingAndRelatedParametersSequence: []any{map[string]any{tags.FlipAngle: flip}},
		}}
	}

	tests := []struct {
		name       string
		ts         tags.TagSet
		wantLabel  string
		wantCalipr bool
	}{
		{
			name:      "plain series",
			ts:        tags.TagSet{tags.SeriesNumber: "3", tags.SeriesDescription: "T1 - localizer"},
			wantLabel: "3_T1_localizer",
		},
		{
			name:      "missing fields",
			ts:        tags.TagSet{},
			wantLabel: "0_UnknownSeries",
		},
		{
			name: "gradient echo from shared groups",
			ts: tags.TagSet{
				tags.SeriesNumber:                   json.Number("7"),
				tags.SeriesDescription:              "mGRE (Research)",
				tags.SharedFunctionalGroupsSequence: shared(`0\1\0\0\0\-1`, json.Number("15")),
			},
			wantLabel: "7_mGRE_SAG_FA15",
		},
		{
			name: "gradient echo top level fallback",
			ts: tags.TagSet{
				tags.SeriesNumber:            "8",
				tags.SeriesDescription:       "GRE axial",
				tags.ImageOrientationPatient: `1\0\0\0\1\0`,
				tags.FlipAngle:               "20",
			},
			wantLabel: "8_GRE_axial_AXI_FA20",
		},
		{
			name: "gradient echo without orientation or flip",
			ts: tags.TagSet{
				tags.SeriesNumber:      "9",
				tags.SeriesDescription: "GRE",
			},
			wantLabel: "9_GRE_FANA",
		},
		{
			name: "calipr gradient echo",
			ts: tags.TagSet{
				tags.SeriesNumber:                   "4",
				tags.SeriesDescription:              "CALIPR GRE",
				tags.SharedFunctionalGroupsSequence: shared(`1\0\0\0\0\-1`, 90.5),
			},
			wantLabel:  "4_CALIPR_GRE_COR_FA90.5",
			wantCalipr: true,
		},
		{
			name:       "calipr lowercase without gradient echo marker",
			ts:         tags.TagSet{tags.SeriesNumber: "5", tags.SeriesDescription: "calipr mwf"},
			wantLabel:  "5_calipr_mwf",
			wantCalipr: true,
		},
		{
			name:      "lowercase gre is not the marker",
			ts:        tags.TagSet{tags.SeriesNumber: "6", tags.SeriesDescription: "gre"},
			wantLabel: "6_gre",
		},
		{
			name:      "mixed case gre is not the marker",
			ts:        tags.TagSet{tags.SeriesNumber: "6", tags.SeriesDescription: "Gre"},
			wantLabel: "6_Gre",
		},
		{
			name: "word containing gre gets no suffix",
			ts: tags.TagSet{
				tags.SeriesNumber:            "10",
				tags.SeriesDescription:       "T2 progressive",
				tags.ImageOrientationPatient: `1\0\0\0\1\0`,
			},
			wantLabel: "10_T2_progressive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			label, calipr := DeriveAcquisitionLabel(tt.ts)
			assert.Equal(t, tt.wantLabel, label)
			assert.Equal(t, tt.wantCalipr, calipr)

			again, _ := DeriveAcquisitionLabel(tt.ts)
			assert.Equal(t, label, again)
		})
	}
}

func TestRoutingKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{in: "site/studyA", want: "studyA", wantOK: true},
		{in: `site\studyB`, want: "studyB", wantOK: true},
		{in: "a/b\\c", want: "c", wantOK: true},
		{in: "a\\b/c ", want: "c", wantOK: true},
		{in: "studyA", wantOK: false},
		{in: "site/", wantOK: false},
		{in: "site/..", wantOK: false},
		{in: "", wantOK: false},
	}

	for _, tt := range tests {
		got, ok := RoutingKey(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSubjectAndSession(t *testing.T) {
	t.Parallel()

	ts := tags.TagSet{
		tags.PatientID: "P1",
		tags.StudyDate: "20240102",
		tags.StudyTime: "030405",
	}
	assert.Equal(t, "P1", SubjectID(ts))
	assert.Equal(t, "2024-01-02_03_04_05", SessionLabel(ts))

	assert.Equal(t, UnknownSubject, SubjectID(tags.TagSet{}))
	assert.Equal(t, "a_b", SubjectID(tags.TagSet{tags.PatientID: "a/b"}))
	assert.Equal(t, UnknownSubject, SubjectID(tags.TagSet{tags.PatientID: ".."}))
}
