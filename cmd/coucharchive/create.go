// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/coucharchive/coucharchive/internal/archive"
	"github.com/coucharchive/coucharchive/internal/couchdb"
	"github.com/coucharchive/coucharchive/internal/sandbox"
)

// createCommand builds an archive of a live cluster by replicating it
// into a throwaway local instance and packing that instance's data
// directory.
type createCommand struct {
	engineFlags
	from string
	to   string
}

func (c *createCommand) Info() *Info {
	return &Info{
		Name:    "create",
		Args:    "--from <url> --to <file>",
		Purpose: "archive a whole cluster into a single file",
	}
}

func (c *createCommand) SetFlags(f *gnuflag.FlagSet) {
	c.engineFlags.register(f)
	f.StringVar(&c.from, "from", "", "source cluster URL (with credentials)")
	f.StringVar(&c.to, "to", "", "archive file to write")
}

func (c *createCommand) Init(args []string) error {
	if c.to == "" {
		return errors.New("--to <file> is required")
	}
	if err := c.engineFlags.validate(); err != nil {
		return errors.Trace(err)
	}
	return checkEmpty(args)
}

func (c *createCommand) Run() error {
	cfg, err := loadFileConfig(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	sourceURL := c.from
	if sourceURL == "" {
		sourceURL = cfg.Source
	}
	if sourceURL == "" {
		return errors.New("a source cluster URL is required")
	}
	source, err := couchdb.NewClient(sourceURL)
	if err != nil {
		return errors.Trace(err)
	}

	sb, err := sandbox.New(sandbox.Config{
		BinaryPath: cfg.CouchdbBinary,
		DefaultIni: cfg.CouchdbIni,
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

	names, err := replicateCluster(source, sb.Client(), &c.engineFlags)
	if err != nil {
		return errors.Trace(err)
	}

	version, err := source.Version()
	if err != nil {
		logger.Warningf("reading source server version: %v", err)
	}
	return errors.Trace(archive.Create(c.to, sb.DataDir(), archive.Metadata{
		CreatedAt:     clock.WallClock.Now(),
		ServerVersion: version,
		Databases:     names,
	}))
}
