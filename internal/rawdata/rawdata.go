// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rawdata matches raw scanner files (.h5) downloaded for an exam to
// the staged DICOM acquisitions they belong to.
package rawdata

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/pkg/fsutil"
)

const (
	// ExamPrefix starts every exam folder name on the scanner.
	ExamPrefix = "rrdf_"
	// RawExtension is the raw data file extension.
	RawExtension = ".h5"

	// MatchWindow is the largest acquisition/raw timestamp gap accepted.
	MatchWindow = time.Minute

	ProtonDensitySuffix = "_protonDensity"
	T2MapSuffix         = "_T2map"
)

var (
	rawFileRe    = regexp.MustCompile(`_(\d{8})_(\d{6})\.h5`)
	examFolderRe = regexp.MustCompile(`rrdf_(\d{8})_(\d{6})`)
)

// ParseRawTimestamp extracts the acquisition time from a raw file name such
// as "scan_20240102_030405.h5".
func ParseRawTimestamp(name string) (time.Time, bool) {
	m := rawFileRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", m[1]+m[2])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SessionLabelFromExam maps "rrdf_20240102_030405" to the staging session
// label "2024-01-02_03_04_05".
func SessionLabelFromExam(folder string) (string, bool) {
	m := examFolderRe.FindStringSubmatch(folder)
	if m == nil {
		return "", false
	}
	t, err := time.Parse("20060102150405", m[1]+m[2])
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02_15_04_05"), true
}

// ParseAcquisitionDateTime parses a DICOM DT value with optional fractional
// seconds.
func ParseAcquisitionDateTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 14 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", s[:14])
	if err != nil {
		return time.Time{}, false
	}
	if rest := s[14:]; rest != "" {
		if rest[0] != '.' {
			return time.Time{}, false
		}
		if frac := rest[1:]; frac != "" {
			f, err := strconv.ParseFloat("0."+frac, 64)
			if err != nil {
				return time.Time{}, false
			}
			t = t.Add(time.Duration(f * float64(time.Second)))
		}
	}
	return t, true
}

// LatestExamFolder picks the most recently modified exam folder from the
// output of "ls -l --full-time".
func LatestExamFolder(listing string) (string, bool) {
	var (
		latestName string
		latestTime time.Time
	)

	scanner := bufio.NewScanner(strings.NewReader(listing))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, ExamPrefix) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		clock, _, _ := strings.Cut(fields[6], ".")
		modified, err := time.Parse("2006-01-02 15:04:05", fields[5]+" "+clock)
		if err != nil {
			continue
		}
		name := fields[len(fields)-1]
		if latestName == "" || modified.After(latestTime) {
			latestName, latestTime = name, modified
		}
	}

	return latestName, latestName != ""
}

// FindSessionDir searches roots in order for a directory named label.
func FindSessionDir(label string, roots ...string) (string, bool) {
	errFound := errors.New("found")
	for _, root := range roots {
		if root == "" {
			continue
		}
		var found string
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() && d.Name() == label && p != root {
				found = p
				return errFound
			}
			return nil
		})
		if errors.Is(err, errFound) {
			return found, true
		}
	}
	return "", false
}

// Move records one relocated raw file.
type Move struct {
	From string
	To   string
}

// Relocate moves each raw file in downloadDir into the acquisition directory
// whose timestamp is closest, renaming it after that directory. Files with no
// acquisition within MatchWindow stay where they are. acquisitions maps an
// acquisition directory to its acquisition time. contentTimes feeds
// RenameCalipr for CALIPR acquisitions.
func Relocate(downloadDir string, acquisitions map[string]time.Time, contentTimes map[string]string) ([]Move, error) {
	raw, err := filepath.Glob(filepath.Join(downloadDir, "*"+RawExtension))
	if err != nil {
		return nil, fmt.Errorf("list raw files: %w", err)
	}
	sort.Strings(raw)

	dirs := make([]string, 0, len(acquisitions))
	for dir := range acquisitions {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var moves []Move
	for _, file := range raw {
		rawTime, ok := ParseRawTimestamp(file)
		if !ok {
			continue
		}

		best, bestDiff := "", MatchWindow
		for _, dir := range dirs {
			diff := acquisitions[dir].Sub(rawTime).Abs()
			if diff < bestDiff {
				best, bestDiff = dir, diff
			}
		}
		if best == "" {
			log.Warn().Str("file", filepath.Base(file)).Msg("rawdata: no acquisition within match window, not moved")
			continue
		}

		base := filepath.Base(filepath.Clean(best))
		dst := filepath.Join(best, base+RawExtension)
		if err := fsutil.MoveFile(file, dst); err != nil {
			log.Error().Err(err).Str("file", file).Str("dst", dst).Msg("rawdata: move failed")
			continue
		}
		moves = append(moves, Move{From: file, To: dst})
		log.Info().Str("file", filepath.Base(file)).Str("acquisition", base).Msg("rawdata: raw file relocated")

		if strings.Contains(strings.ToLower(base), "calipr") {
			if err := RenameCalipr(best, contentTimes); err != nil {
				log.Warn().Err(err).Str("dir", best).Msg("rawdata: CALIPR rename skipped")
			}
		}
	}
	return moves, nil
}

// RenameCalipr names the two images of a CALIPR acquisition by content time:
// the earlier is the proton density map, the later the T2 map.
func RenameCalipr(dir string, contentTimes map[string]string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.dcm"))
	if err != nil {
		return err
	}
	if len(files) != 2 {
		return fmt.Errorf("expected 2 images, found %d", len(files))
	}

	type timed struct {
		path string
		t    float64
	}
	pair := make([]timed, 0, 2)
	for _, f := range files {
		raw, ok := contentTimes[f]
		if !ok {
			return fmt.Errorf("no content time recorded for %s", filepath.Base(f))
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("parse content time of %s: %w", filepath.Base(f), err)
		}
		pair = append(pair, timed{path: f, t: v})
	}
	sort.SliceStable(pair, func(i, j int) bool { return pair[i].t < pair[j].t })

	base := filepath.Base(filepath.Clean(dir))
	targets := []string{
		filepath.Join(dir, base+ProtonDensitySuffix+".dcm"),
		filepath.Join(dir, base+T2MapSuffix+".dcm"),
	}
	if pair[0].path == targets[0] && pair[1].path == targets[1] {
		return nil
	}

	// Rename through temporary names so a swapped pair cannot overwrite itself.
	staged := make([]string, len(pair))
	for i, p := range pair {
		staged[i] = filepath.Join(dir, fsutil.TempPrefix+strconv.Itoa(i)+filepath.Base(targets[i]))
		if err := os.Rename(p.path, staged[i]); err != nil {
			return fmt.Errorf("rename %s: %w", filepath.Base(p.path), err)
		}
	}
	for i := range staged {
		if err := os.Rename(staged[i], targets[i]); err != nil {
			return fmt.Errorf("rename %s: %w", filepath.Base(targets[i]), err)
		}
	}
	return nil
}
