// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package externalprograms

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/rs/zerolog/log"
)

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// buildArguments splits the template and substitutes {placeholders} in each
// argument. Values are never re-split, so paths with spaces stay one argument.
// Unknown placeholders are left untouched.
func buildArguments(template string, vars map[string]string) []string {
	if template == "" {
		return []string{}
	}

	args := splitArgs(template)
	for i := range args {
		args[i] = placeholderRe.ReplaceAllStringFunc(args[i], func(m string) string {
			if v, ok := vars[m[1:len(m)-1]]; ok {
				return v
			}
			return m
		})
	}

	return args
}

// splitArgs splits a command line string into arguments, respecting quoted strings.
// It strips surrounding single/double quotes from quoted segments.
func splitArgs(s string) []string {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, r := range s {
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case (r == ' ' || r == '\t') && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	return args
}

// resolvePath looks bare program names up on PATH so the allow list sees the
// real location. Unresolvable names are returned as given.
func resolvePath(p string) string {
	p = strings.TrimSpace(p)
	if strings.ContainsRune(p, os.PathSeparator) || strings.Contains(p, "/") {
		return p
	}
	if found, err := exec.LookPath(p); err == nil {
		return found
	}
	return p
}

// IsPathAllowed checks if a program path is permitted by the allowlist.
// If the allowlist is empty or nil, all paths are allowed.
// The path is normalized before comparison to handle symlinks and case differences (Windows).
func IsPathAllowed(programPath string, allowList []string) bool {
	programPath = strings.TrimSpace(programPath)
	if programPath == "" {
		return false
	}

	if len(allowList) == 0 {
		return true
	}

	normalizedProgramPath := normalizePath(programPath)
	sep := string(os.PathSeparator)

	for _, allowed := range allowList {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}

		normalizedAllowedPath := normalizePath(allowed)

		// Exact match
		if normalizedProgramPath == normalizedAllowedPath {
			return true
		}

		// Directory prefix match
		allowedPrefix := normalizedAllowedPath
		if !strings.HasSuffix(allowedPrefix, sep) {
			allowedPrefix += sep
		}

		if strings.HasPrefix(normalizedProgramPath, allowedPrefix) {
			return true
		}
	}

	return false
}

// normalizePath returns a canonical form of the path for comparison.
// Resolves symlinks, makes path absolute, and normalizes case on Windows.
func normalizePath(p string) string {
	cleaned, err := filepath.Abs(p)
	if err != nil {
		log.Debug().Err(err).Str("path", p).Msg("filepath.Abs failed, using Clean fallback")
		cleaned = filepath.Clean(p)
	}

	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		cleaned = resolved
	} else {
		// path may not exist yet; resolve the parent instead
		dir := filepath.Dir(cleaned)
		if dirResolved, dirErr := filepath.EvalSymlinks(dir); dirErr == nil {
			cleaned = filepath.Join(dirResolved, filepath.Base(cleaned))
		}
	}

	if runtime.GOOS == "windows" {
		return strings.ToLower(cleaned)
	}
	return cleaned
}
