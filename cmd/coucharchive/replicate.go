// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/coucharchive/coucharchive/internal/couchdb"
	"github.com/coucharchive/coucharchive/internal/replicator"
)

// replicateCommand mirrors one live cluster into another.
type replicateCommand struct {
	engineFlags
	from string
	to   string
}

func (c *replicateCommand) Info() *Info {
	return &Info{
		Name:    "replicate",
		Args:    "--from <url> --to <url>",
		Purpose: "replicate every database of one cluster into another",
	}
}

func (c *replicateCommand) SetFlags(f *gnuflag.FlagSet) {
	c.engineFlags.register(f)
	f.StringVar(&c.from, "from", "", "source cluster URL (with credentials)")
	f.StringVar(&c.to, "to", "", "target cluster URL (with credentials)")
}

func (c *replicateCommand) Init(args []string) error {
	if err := c.engineFlags.validate(); err != nil {
		return errors.Trace(err)
	}
	return checkEmpty(args)
}

func (c *replicateCommand) Run() error {
	cfg, err := loadFileConfig(c.configPath)
	if err != nil {
		return errors.Trace(err)
	}
	sourceURL, targetURL := c.from, c.to
	if sourceURL == "" {
		sourceURL = cfg.Source
	}
	if targetURL == "" {
		targetURL = cfg.Target
	}
	if sourceURL == "" || targetURL == "" {
		return errors.New("both a source and a target cluster URL are required")
	}

	source, err := couchdb.NewClient(sourceURL)
	if err != nil {
		return errors.Trace(err)
	}
	target, err := couchdb.NewClient(targetURL)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = replicateCluster(source, target, &c.engineFlags)
	return errors.Trace(err)
}

// replicateCluster runs the replication engine over every database of
// the source cluster and returns the names it processed.
func replicateCluster(source, target *couchdb.Client, flags *engineFlags) ([]string, error) {
	all, err := source.AllDBs()
	if err != nil {
		return nil, errors.Annotate(err, "listing source databases")
	}
	names := replicator.DatabasesToReplicate(all, flags.ignored())
	logger.Infof("replicating %d databases (%d on server)", len(names), len(all))

	err = replicator.Run(replicator.Config{
		Source:        source,
		Target:        target,
		Names:         names,
		MaxWorkers:    flags.maxWorkers,
		IdealDuration: flags.idealDuration(),
		ReuseExisting: flags.reuseExisting,
		Clock:         clock.WallClock,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return names, nil
}
