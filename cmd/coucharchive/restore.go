// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/coucharchive/coucharchive/internal/archive"
	"github.com/coucharchive/coucharchive/internal/couchdb"
	"github.com/coucharchive/coucharchive/internal/sandbox"
)

// restoreCommand unpacks an archive into a throwaway local instance
// and replicates that instance into a live target cluster.
type restoreCommand struct {
	engineFlags
	from string
	to   string
}

func (c *restoreCommand) Info() *Info {
	return &Info{
		Name:    "restore",
		Args:    "--from <file> --to <url>",
		Purpose: "restore an archived cluster into a live one",
	}
}

func (c *restoreCommand) SetFlags(f *gnuflag.FlagSet) {
	c.engineFlags.register(f)
	f.StringVar(&c.from, "from", "", "archive file to read")
	f.StringVar(&c.to, "to", "", "target cluster URL (with credentials)")
}

func (c *restoreCommand) Init(args []string) error {
	if c.from == "" {
		return errors.New("--from <file> is required")
	}
	if err := c.engineFlags.validate(); err != nil {
		return errors.Trace(err)
	}
	return checkEmpty(args)
}

func (c *restoreCommand) Run() error {
	cfg, err := loadFileConfig(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	targetURL := c.to
	if targetURL == "" {
		targetURL = cfg.Target
	}
	if targetURL == "" {
		return errors.New("a target cluster URL is required")
	}
	target, err := couchdb.NewClient(targetURL)
	if err != nil {
		return errors.Trace(err)
	}

	destDir, err := os.MkdirTemp("", "coucharchive-restore-")
	if err != nil {
		return errors.Annotate(err, "creating extraction dir")
	}
	defer os.RemoveAll(destDir)

	meta, err := archive.Extract(c.from, destDir)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("archive from %s holds %d databases (server version %s)",
		meta.CreatedAt.Format("2006-01-02 15:04:05"), len(meta.Databases), meta.ServerVersion)

	sb, err := sandbox.New(sandbox.Config{
		BinaryPath: cfg.CouchdbBinary,
		DefaultIni: cfg.CouchdbIni,
		DataDir:    destDir,
		Clock:      clock.WallClock,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := sb.Start(); err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := sb.Stop(); err != nil {
			logger.Errorf("stopping sandbox: %v", err)
		}
	}()

	_, err = replicateCluster(sb.Client(), target, &c.engineFlags)
	return errors.Trace(err)
}
