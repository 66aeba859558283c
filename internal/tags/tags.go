// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tags provides typed, absence-aware access to instance tag sets as
// delivered by the host imaging server in its simplified JSON form.
package tags

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Well-known keywords read by the export pipeline.
const (
	OperatorsName       = "OperatorsName"
	PatientID           = "PatientID"
	StudyInstanceUID    = "StudyInstanceUID"
	StudyDate           = "StudyDate"
	StudyTime           = "StudyTime"
	SeriesNumber        = "SeriesNumber"
	SeriesDescription   = "SeriesDescription"
	AcquisitionDateTime = "AcquisitionDateTime"
	ContentTime         = "ContentTime"

	ImageOrientationPatient = "ImageOrientationPatient"
	FlipAngle               = "FlipAngle"

	SharedFunctionalGroupsSequence       = "SharedFunctionalGroupsSequence"
	PlaneOrientationSequence             = "PlaneOrientationSequence"
	MRTimingAndRelatedParametersSequence = "MRTimingAndRelatedParametersSequence"
)

// TagSet maps a DICOM keyword to its value. Values are strings, numbers
// (float64 or json.Number), nested objects (map[string]any or TagSet) or
// sequences ([]any). A TagSet is read-only once decoded.
type TagSet map[string]any

// Decode reads a JSON object into a TagSet, preserving numbers as json.Number
// so integral values are not rendered with a float suffix.
func Decode(r io.Reader) (TagSet, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var ts TagSet
	if err := dec.Decode(&ts); err != nil {
		return nil, fmt.Errorf("decode tag set: %w", err)
	}
	if ts == nil {
		ts = TagSet{}
	}
	return ts, nil
}

// DecodeBytes is Decode for an in-memory payload.
func DecodeBytes(data []byte) (TagSet, error) {
	return Decode(bytes.NewReader(data))
}

// Get returns the raw value for key. Explicit JSON nulls are reported absent.
func (t TagSet) Get(key string) (any, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// String returns the scalar value for key rendered as trimmed text. Blank
// strings, containers and missing keys are all reported absent.
func (t TagSet) String(key string) (string, bool) {
	v, ok := t.Get(key)
	if !ok {
		return "", false
	}
	return Scalar(v)
}

// StringOr is String with a fallback for absent values.
func (t TagSet) StringOr(key, fallback string) string {
	if s, ok := t.String(key); ok {
		return s
	}
	return fallback
}

// Navigate walks path through nested objects and sequences. Each step is
// either a string key or an int 1-based sequence index. The walk stops with
// (nil, false) as soon as a step does not apply to the current value.
func (t TagSet) Navigate(path ...any) (any, bool) {
	var current any = map[string]any(t)
	for _, step := range path {
		if current == nil {
			return nil, false
		}
		switch s := step.(type) {
		case string:
			m, ok := asObject(current)
			if !ok {
				return nil, false
			}
			next, ok := m[s]
			if !ok {
				return nil, false
			}
			current = next
		case int:
			seq, ok := current.([]any)
			if !ok || s < 1 || s > len(seq) {
				return nil, false
			}
			current = seq[s-1]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// Scalar renders a leaf value as trimmed text. Containers and blank strings
// are reported absent.
func Scalar(v any) (string, bool) {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case json.Number:
		s = val.String()
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		s = strconv.Itoa(val)
	case int64:
		s = strconv.FormatInt(val, 10)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// Number converts a leaf value to float64. Strings are parsed after trimming.
func Number(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case TagSet:
		return m, true
	default:
		return nil, false
	}
}
