// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact strips credentials from URLs before they reach logs.
package redact

import (
	"errors"
	"net/url"
	"strings"
)

const placeholder = "REDACTED"

var sensitiveParams = []string{"apikey", "api_key", "passkey", "token", "password", "secret"}

// URL replaces the userinfo password and sensitive query values in raw.
// Unparseable input is returned unchanged.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), placeholder)
		}
	}

	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for key := range q {
			lower := strings.ToLower(key)
			for _, s := range sensitiveParams {
				if lower == s {
					q.Set(key, placeholder)
					changed = true
					break
				}
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}

	return u.String()
}

// URLError redacts the URL of a *url.Error anywhere in err's chain. Other
// errors are returned unchanged.
func URLError(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}

	redacted := &url.Error{Op: urlErr.Op, URL: URL(urlErr.URL), Err: urlErr.Err}
	if err == urlErr {
		return redacted
	}
	return &wrappedError{
		msg:   strings.ReplaceAll(err.Error(), urlErr.URL, redacted.URL),
		inner: redacted,
	}
}

type wrappedError struct {
	msg   string
	inner error
}

func (e *wrappedError) Error() string { return e.msg }

func (e *wrappedError) Unwrap() error { return e.inner }
