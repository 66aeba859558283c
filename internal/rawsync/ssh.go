// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rawsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Hellseher/go-shellquote"
	"github.com/mholt/archives"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/hyperwheel/fwexport/internal/rawdata"
	"github.com/hyperwheel/fwexport/pkg/fsutil"
)

// Scanner defaults.
const (
	DefaultScannerPort = 25125
	DefaultScannerUser = "rrdf"
	// RemoteDir holds one exam folder per session on the scanner.
	RemoteDir = "RRDF"
)

// SSHConfig configures the built-in scanner synchronizer.
type SSHConfig struct {
	// NetworkConfigPath is a JSON file carrying "scanner_ip".
	NetworkConfigPath string
	User              string
	Password          string
	Port              int
	// KnownHostsPath enables host key checking. When empty any key is
	// accepted.
	KnownHostsPath string
	DownloadDir    string
	Timeout        time.Duration
}

// SSH downloads the latest exam from the scanner and files its raw data next
// to the matching staged acquisitions.
type SSH struct {
	cfg  SSHConfig
	dial func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (sshSession, error)
}

// sshSession is the subset of an SSH client the synchronizer needs. Stream
// starts cmd and returns its stdout with a wait function for its exit.
type sshSession interface {
	Output(cmd string) ([]byte, error)
	Stream(cmd string) (io.ReadCloser, func() error, error)
	Close() error
}

// NewSSH returns an SSH synchronizer.
func NewSSH(cfg SSHConfig) *SSH {
	if cfg.Port == 0 {
		cfg.Port = DefaultScannerPort
	}
	if cfg.User == "" {
		cfg.User = DefaultScannerUser
	}
	return &SSH{cfg: cfg, dial: dialSSH}
}

// ScannerAddress reads the scanner address from the network config file.
func ScannerAddress(path string, port int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read network config: %w", err)
	}
	var cfg struct {
		ScannerIP string `json:"scanner_ip"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parse network config: %w", err)
	}
	if strings.TrimSpace(cfg.ScannerIP) == "" {
		return "", errors.New("network config has no scanner_ip")
	}
	return net.JoinHostPort(strings.TrimSpace(cfg.ScannerIP), strconv.Itoa(port)), nil
}

func (s *SSH) clientConfig() (*ssh.ClientConfig, error) {
	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if s.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(s.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Warn().Msg("rawsync: scannerKnownHosts not set, accepting any scanner host key")
	}

	return &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(s.cfg.Password)},
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.Timeout,
	}, nil
}

// Sync implements Syncer.
func (s *SSH) Sync(ctx context.Context, req Request) error {
	addr, err := ScannerAddress(s.cfg.NetworkConfigPath, s.cfg.Port)
	if err != nil {
		return err
	}
	clientCfg, err := s.clientConfig()
	if err != nil {
		return err
	}

	log.Info().Str("addr", addr).Msg("rawsync: connecting to scanner")
	conn, err := s.dial(ctx, addr, clientCfg)
	if err != nil {
		return fmt.Errorf("connect to scanner %s: %w", addr, err)
	}
	defer conn.Close()

	listing, err := conn.Output("ls -l --full-time " + RemoteDir)
	if err != nil {
		return fmt.Errorf("list exams: %w", err)
	}
	exam, ok := rawdata.LatestExamFolder(string(listing))
	if !ok {
		log.Info().Msg("rawsync: scanner has no exam folders")
		return nil
	}
	log.Info().Str("exam", exam).Msg("rawsync: latest exam found")

	if err := resetDir(s.cfg.DownloadDir); err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(s.cfg.DownloadDir); err != nil {
			log.Warn().Err(err).Str("dir", s.cfg.DownloadDir).Msg("rawsync: failed to clean download dir")
		}
	}()

	if err := s.download(ctx, conn, exam); err != nil {
		return err
	}

	label, ok := rawdata.SessionLabelFromExam(exam)
	if !ok {
		return fmt.Errorf("exam folder %q carries no timestamp", exam)
	}
	session, ok := rawdata.FindSessionDir(label, req.StagingRoot, req.ExportRoot)
	if !ok {
		log.Warn().Str("session", label).Msg("rawsync: no staged session for exam, skipping relocation")
		return nil
	}

	acquisitions := make(map[string]time.Time)
	for dir, t := range req.AcquisitionTimes() {
		if filepath.Dir(filepath.Clean(dir)) == session {
			acquisitions[dir] = t
		}
	}

	moves, err := rawdata.Relocate(filepath.Join(s.cfg.DownloadDir, exam), acquisitions, req.ContentTimes)
	if err != nil {
		return err
	}
	log.Info().Str("session", session).Int("moved", len(moves)).Msg("rawsync: raw data relocated")
	return nil
}

// download streams the exam folder as a tar archive and unpacks it into the
// download directory.
func (s *SSH) download(ctx context.Context, conn sshSession, exam string) error {
	stream, wait, err := conn.Stream(shellquote.Join("tar", "-C", RemoteDir, "-cf", "-", exam))
	if err != nil {
		return fmt.Errorf("start exam download: %w", err)
	}
	defer stream.Close()

	if err := extractTar(ctx, stream, s.cfg.DownloadDir); err != nil {
		return fmt.Errorf("extract exam %s: %w", exam, err)
	}
	if err := wait(); err != nil {
		return fmt.Errorf("exam download: %w", err)
	}
	return nil
}

func extractTar(ctx context.Context, r io.Reader, dest string) error {
	return archives.Tar{}.Extract(ctx, r, func(ctx context.Context, f archives.FileInfo) error {
		name := filepath.Clean(filepath.FromSlash(f.NameInArchive))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("archive entry escapes destination: %s", f.NameInArchive)
		}
		target := filepath.Join(dest, name)

		if f.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !f.Mode().IsRegular() {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		defer src.Close()
		return fsutil.WriteFileAtomic(target, src, 0o644)
	})
}

func resetDir(dir string) error {
	if dir == "" {
		return errors.New("download directory is not configured")
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear download dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	return nil
}

type sshClient struct {
	client *ssh.Client
}

func dialSSH(ctx context.Context, addr string, cfg *ssh.ClientConfig) (sshSession, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &sshClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

func (c *sshClient) Output(cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.Output(cmd)
}

func (c *sshClient) Stream(cmd string) (io.ReadCloser, func() error, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, err
	}
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, err
	}
	return sessionReader{Reader: stdout, session: session}, session.Wait, nil
}

// sessionReader closes its session when closed, aborting a transfer that
// was not read to the end.
type sessionReader struct {
	io.Reader
	session *ssh.Session
}

func (r sessionReader) Close() error {
	return r.session.Close()
}

func (c *sshClient) Close() error {
	return c.client.Close()
}
