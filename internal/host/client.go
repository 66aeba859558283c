// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package host is a client for the REST API of the imaging server that
// receives instances and hands them to the export pipeline.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperwheel/fwexport/internal/buildinfo"
	"github.com/hyperwheel/fwexport/internal/tags"
	"github.com/hyperwheel/fwexport/pkg/httphelpers"
	"github.com/hyperwheel/fwexport/pkg/redact"
)

var ErrNotFound = errors.New("host resource not found")

// Change types emitted by the change feed that the pipeline reacts to.
const (
	ChangeNewInstance = "NewInstance"
	ChangeStableStudy = "StableStudy"
)

// Config holds the options for constructing a Client.
type Config struct {
	URL        string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the host server. The timeout covers the whole exchange,
// including reading instance content.
type Client struct {
	base       string
	username   string
	password   string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Client{
		base:       strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: client,
	}
}

// Study is the subset of the host study resource the pipeline uses.
type Study struct {
	ID            string            `json:"ID"`
	IsStable      bool              `json:"IsStable"`
	LastUpdate    string            `json:"LastUpdate"`
	MainDicomTags map[string]string `json:"MainDicomTags"`
	Series        []string          `json:"Series"`
}

// StudyInstanceUID returns the DICOM study identifier of s.
func (s *Study) StudyInstanceUID() string {
	return s.MainDicomTags[tags.StudyInstanceUID]
}

// Change is one entry of the host change feed.
type Change struct {
	Seq          int64  `json:"Seq"`
	ChangeType   string `json:"ChangeType"`
	ResourceType string `json:"ResourceType"`
	ID           string `json:"ID"`
	Path         string `json:"Path"`
	Date         string `json:"Date"`
}

// ChangePage is one page of the change feed.
type ChangePage struct {
	Changes []Change `json:"Changes"`
	Done    bool     `json:"Done"`
	Last    int64    `json:"Last"`
}

func (c *Client) newRequest(ctx context.Context, method string, query url.Values, segments ...string) (*http.Request, error) {
	if c.base == "" {
		return nil, errors.New("host URL is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := url.JoinPath(c.base, segments...)
	if err != nil {
		return nil, fmt.Errorf("failed to build host endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build host request: %w", err)
	}
	if len(query) > 0 {
		req.URL.RawQuery = query.Encode()
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("host request %s %s failed: %w", req.Method, req.URL.Path, redact.URLError(err))
	}
	if resp.StatusCode == http.StatusNotFound {
		httphelpers.DrainAndClose(resp)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrNotFound)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		httphelpers.DrainAndClose(resp)
		return nil, fmt.Errorf("host returned status %d for %s %s", resp.StatusCode, req.Method, req.URL.Path)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, out any, query url.Values, segments ...string) error {
	req, err := c.newRequest(ctx, http.MethodGet, query, segments...)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer httphelpers.DrainAndClose(resp)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode host response: %w", err)
	}
	return nil
}

// FetchInstanceContent streams the stored file of an instance. The caller
// closes the returned reader.
func (c *Client) FetchInstanceContent(ctx context.Context, instanceID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, nil, "instances", instanceID, "file")
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// DeleteStudyRecord removes a study from host storage. A study that no
// longer exists counts as deleted.
func (c *Client) DeleteStudyRecord(ctx context.Context, studyID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, nil, "studies", studyID)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	httphelpers.DrainAndClose(resp)
	return nil
}

// InstanceTags returns the keyword-keyed tag set of an instance.
func (c *Client) InstanceTags(ctx context.Context, instanceID string) (tags.TagSet, error) {
	req, err := c.newRequest(ctx, http.MethodGet, nil, "instances", instanceID, "tags")
	if err != nil {
		return nil, err
	}
	// the flag takes no value
	req.URL.RawQuery = "simplify"

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer httphelpers.DrainAndClose(resp)

	ts, err := tags.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instance tags: %w", err)
	}
	return ts, nil
}

// InstanceStudy returns the study an instance belongs to.
func (c *Client) InstanceStudy(ctx context.Context, instanceID string) (*Study, error) {
	var study Study
	if err := c.getJSON(ctx, &study, nil, "instances", instanceID, "study"); err != nil {
		return nil, err
	}
	return &study, nil
}

func (c *Client) Study(ctx context.Context, studyID string) (*Study, error) {
	var study Study
	if err := c.getJSON(ctx, &study, nil, "studies", studyID); err != nil {
		return nil, err
	}
	return &study, nil
}

// Changes returns up to limit feed entries after since.
func (c *Client) Changes(ctx context.Context, since int64, limit int) (*ChangePage, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var page ChangePage
	if err := c.getJSON(ctx, &page, query, "changes"); err != nil {
		return nil, err
	}
	return &page, nil
}

// LastChange returns the sequence number of the newest feed entry.
func (c *Client) LastChange(ctx context.Context) (int64, error) {
	query := url.Values{}
	query.Set("last", "")

	var page ChangePage
	if err := c.getJSON(ctx, &page, query, "changes"); err != nil {
		return 0, err
	}
	return page.Last, nil
}
