// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package routing resolves a study's routing key to its archive destination
// and the credential used to reach it.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	// ErrConfigLoad is returned when a routing or credential file is missing
	// or malformed. It halts the study.
	ErrConfigLoad = errors.New("routing configuration could not be loaded")
	// ErrUnroutable means no destination exists for the routing key. The
	// study is discarded rather than halted.
	ErrUnroutable = errors.New("no route for study")
	// ErrMissingCredential means a destination exists but no credential
	// does. It halts the study before any external call.
	ErrMissingCredential = errors.New("no credential for routed study")
)

// LoadError wraps a failure to read one configuration file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

// Unwrap exposes both the ErrConfigLoad category and the underlying cause.
func (e *LoadError) Unwrap() []error {
	return []error{ErrConfigLoad, e.Err}
}

// Route is a resolved destination and its credential.
type Route struct {
	Key         string
	Destination string
	Credential  string
}

// Table holds the routing table and key chain for one run.
type Table struct {
	destinations map[string]string
	credentials  map[string]string
}

// New builds a table from in-memory maps. The maps are copied.
func New(destinations, credentials map[string]string) *Table {
	t := &Table{
		destinations: make(map[string]string, len(destinations)),
		credentials:  make(map[string]string, len(credentials)),
	}
	for k, v := range destinations {
		t.destinations[k] = v
	}
	for k, v := range credentials {
		t.credentials[k] = v
	}
	return t
}

// Load reads both configuration files. Each must be a flat JSON object of
// string keys to string values.
func Load(routingFile, credentialFile string) (*Table, error) {
	destinations, err := readMap(routingFile)
	if err != nil {
		return nil, err
	}
	credentials, err := readMap(credentialFile)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("routingFile", routingFile).
		Int("routes", len(destinations)).
		Int("credentials", len(credentials)).
		Msg("routing: configuration loaded")

	return &Table{destinations: destinations, credentials: credentials}, nil
}

func readMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if m == nil {
		return nil, &LoadError{Path: path, Err: errors.New("expected a JSON object")}
	}
	return m, nil
}

// Resolve returns the route for key.
func (t *Table) Resolve(key string) (Route, error) {
	dest, ok := t.destinations[key]
	if !ok || strings.TrimSpace(dest) == "" {
		return Route{}, fmt.Errorf("%w: %q", ErrUnroutable, key)
	}

	cred, ok := t.credentials[key]
	if !ok || cred == "" {
		return Route{}, fmt.Errorf("%w: %q", ErrMissingCredential, key)
	}

	return Route{Key: key, Destination: strings.Trim(strings.TrimSpace(dest), "/"), Credential: cred}, nil
}

// Keys returns the routing keys in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.destinations))
	for k := range t.destinations {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// MissingCredentials lists routed keys that have no credential.
func (t *Table) MissingCredentials() []string {
	var missing []string
	for _, k := range t.Keys() {
		if t.credentials[k] == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// SplitDestination splits "group/project" into its parts. A destination
// without a separator is treated as a bare project in an empty group.
func SplitDestination(dest string) (group, project string) {
	dest = strings.Trim(dest, "/")
	if i := strings.Index(dest, "/"); i >= 0 {
		return dest[:i], dest[i+1:]
	}
	return "", dest
}
