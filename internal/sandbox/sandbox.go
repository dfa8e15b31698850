// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sandbox provisions a disposable, single-node CouchDB
// instance in a temporary workspace: generated configuration, a
// random free port, admin credentials, and a server process whose
// lifetime is bound to the Sandbox. The workspace is removed on every
// exit path, including a Start that fails midway.
package sandbox

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"
	"gopkg.in/ini.v1"

	"github.com/coucharchive/coucharchive/internal/couchdb"
)

var logger = loggo.GetLogger("coucharchive.sandbox")

const (
	workspacePrefix = "coucharchive-"
	adminUser       = "admin"

	readyAttempts = 60
	readyDelay    = 500 * time.Millisecond
)

// systemDatabases must exist on a fresh single node before it can
// serve replications.
var systemDatabases = []string{"_users", "_replicator"}

// Config holds the parameters of a Sandbox.
type Config struct {
	// BinaryPath locates the couchdb launcher script.
	BinaryPath string
	// DefaultIni is the server's stock configuration, loaded before
	// the generated one.
	DefaultIni string
	// DataDir, when set, is used instead of a fresh directory inside
	// the workspace: the restore path points it at unpacked archive
	// data.
	DataDir string
	// Clock is the time source for the readiness poll.
	Clock clock.Clock
}

// Validate returns an error if the config cannot drive a Sandbox.
func (cfg Config) Validate() error {
	if cfg.BinaryPath == "" {
		return errors.NotValidf("empty BinaryPath")
	}
	if cfg.DefaultIni == "" {
		return errors.NotValidf("empty DefaultIni")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Sandbox is a local database instance with a start/stop lifecycle.
// Once started, URL returns a ready-to-use connection URL with
// embedded credentials.
type Sandbox struct {
	cfg Config

	workspace string
	dataDir   string
	port      int
	password  string
	cmd       *exec.Cmd
	client    *couchdb.Client
}

// New returns an unstarted Sandbox.
func New(cfg Config) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Sandbox{cfg: cfg}, nil
}

// Start provisions the workspace and launches the server, returning
// only once the instance answers requests and its system databases
// exist. A failure at any step tears the workspace down again.
func (s *Sandbox) Start() error {
	if s.cmd != nil {
		return errors.New("sandbox already started")
	}
	if err := s.start(); err != nil {
		s.teardown()
		return errors.Trace(err)
	}
	return nil
}

func (s *Sandbox) start() error {
	var err error
	if s.workspace, err = os.MkdirTemp("", workspacePrefix); err != nil {
		return errors.Annotate(err, "creating sandbox workspace")
	}

	s.dataDir = s.cfg.DataDir
	if s.dataDir == "" {
		s.dataDir = filepath.Join(s.workspace, "data")
	}
	logDir := filepath.Join(s.workspace, "log")
	for _, dir := range []string{s.dataDir, logDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Annotate(err, "creating sandbox directories")
		}
	}

	if s.password, err = utils.RandomPassword(); err != nil {
		return errors.Trace(err)
	}
	if s.port, err = freePort(); err != nil {
		return errors.Trace(err)
	}

	iniPath := filepath.Join(s.workspace, "local.ini")
	if err := s.writeConfig(iniPath, logDir); err != nil {
		return errors.Trace(err)
	}

	s.cmd = exec.Command(s.cfg.BinaryPath, "-couch_ini", s.cfg.DefaultIni, iniPath)
	s.cmd.Dir = s.workspace
	if err := s.cmd.Start(); err != nil {
		s.cmd = nil
		return errors.Annotatef(err, "starting %q", s.cfg.BinaryPath)
	}
	logger.Infof("sandbox server starting on port %d (pid %d)", s.port, s.cmd.Process.Pid)

	if s.client, err = couchdb.NewClient(s.url()); err != nil {
		return errors.Trace(err)
	}
	if err := s.waitReady(); err != nil {
		return errors.Annotate(err, "waiting for sandbox server")
	}
	return errors.Trace(s.ensureSystemDatabases())
}

// writeConfig renders the instance configuration: single node, bound
// to loopback on the chosen port, with the admin user and the
// workspace directories.
func (s *Sandbox) writeConfig(path, logDir string) error {
	cfg := ini.Empty()
	section := func(name string, keys map[string]string) error {
		sec, err := cfg.NewSection(name)
		if err != nil {
			return errors.Trace(err)
		}
		for k, v := range keys {
			if _, err := sec.NewKey(k, v); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}
	sections := []struct {
		name string
		keys map[string]string
	}{
		{"couchdb", map[string]string{
			"database_dir":   s.dataDir,
			"view_index_dir": s.dataDir,
		}},
		{"chttpd", map[string]string{
			"port":         fmt.Sprint(s.port),
			"bind_address": "127.0.0.1",
		}},
		{"cluster", map[string]string{"n": "1"}},
		{"admins", map[string]string{adminUser: s.password}},
		{"log", map[string]string{
			"writer": "file",
			"file":   filepath.Join(logDir, "couch.log"),
		}},
	}
	for _, sec := range sections {
		if err := section(sec.name, sec.keys); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Annotate(cfg.SaveTo(path), "writing sandbox config")
}

func (s *Sandbox) waitReady() error {
	return errors.Trace(retry.Call(retry.CallArgs{
		Clock:    s.cfg.Clock,
		Attempts: readyAttempts,
		Delay:    readyDelay,
		Func:     s.client.Ping,
	}))
}

func (s *Sandbox) ensureSystemDatabases() error {
	for _, name := range systemDatabases {
		err := s.client.CreateDatabase(name)
		if err != nil && !errors.Is(err, couchdb.PreconditionFailed) {
			return errors.Annotatef(err, "creating %q", name)
		}
	}
	return nil
}

func (s *Sandbox) url() string {
	return fmt.Sprintf("http://%s:%s@127.0.0.1:%d/",
		adminUser, url.QueryEscape(s.password), s.port)
}

// URL returns the credentialed connection URL of the running
// instance.
func (s *Sandbox) URL() string {
	return s.url()
}

// Client returns a client connected to the running instance.
func (s *Sandbox) Client() *couchdb.Client {
	return s.client
}

// DataDir returns the directory holding the instance's databases, for
// archiving before Stop.
func (s *Sandbox) DataDir() string {
	return s.dataDir
}

// Stop kills the server process and removes the workspace.
func (s *Sandbox) Stop() error {
	return errors.Trace(s.teardown())
}

// teardown releases everything start acquired, in reverse order,
// carrying on past individual failures.
func (s *Sandbox) teardown() error {
	var failed int
	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil {
			logger.Errorf("killing sandbox server: %v", err)
			failed++
		}
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	if s.workspace != "" {
		if err := os.RemoveAll(s.workspace); err != nil {
			logger.Errorf("removing sandbox workspace: %v", err)
			failed++
		}
		s.workspace = ""
	}
	if failed > 0 {
		return errors.Errorf("%d errors during sandbox teardown (see logs)", failed)
	}
	return nil
}

// freePort asks the kernel for an unused loopback port. There is an
// unavoidable window between closing the probe listener and the
// server binding the port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
