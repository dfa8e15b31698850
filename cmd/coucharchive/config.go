// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"gopkg.in/yaml.v2"
)

// defaults for the sandbox server; overridable from the config file.
const (
	defaultCouchdbBinary = "/opt/couchdb/bin/couchdb"
	defaultCouchdbIni    = "/opt/couchdb/etc/default.ini"
)

// fileConfig is the optional yaml configuration file. It can carry
// the credentialed cluster URLs so they stay off the command line.
type fileConfig struct {
	Source        string `yaml:"source,omitempty"`
	Target        string `yaml:"target,omitempty"`
	CouchdbBinary string `yaml:"couchdb-binary,omitempty"`
	CouchdbIni    string `yaml:"couchdb-ini,omitempty"`
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		CouchdbBinary: defaultCouchdbBinary,
		CouchdbIni:    defaultCouchdbIni,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, errors.Annotate(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, errors.Annotate(err, "parsing config file")
	}
	return cfg, nil
}

// stringsValue collects a repeatable string flag.
type stringsValue []string

func (v *stringsValue) String() string {
	return ""
}

func (v *stringsValue) Set(s string) error {
	*v = append(*v, s)
	return nil
}

// engineFlags are the replication engine options shared by every
// subcommand.
type engineFlags struct {
	configPath       string
	maxWorkers       int
	idealDurationSec int
	reuseExisting    bool
	ignore           stringsValue
}

func (f *engineFlags) register(fs *gnuflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to a yaml config file")
	fs.IntVar(&f.maxWorkers, "max-workers", 20, "maximum parallel replications")
	fs.IntVar(&f.idealDurationSec, "ideal-duration", 0,
		"target duration for the whole run in seconds (0 = fastest)")
	fs.BoolVar(&f.reuseExisting, "reuse-existing", false,
		"tolerate target databases that already exist")
	fs.Var(&f.ignore, "ignore", "database name to skip (repeatable)")
}

func (f *engineFlags) validate() error {
	if f.maxWorkers < 1 {
		return errors.NotValidf("--max-workers %d", f.maxWorkers)
	}
	if f.idealDurationSec < 0 {
		return errors.NotValidf("--ideal-duration %d", f.idealDurationSec)
	}
	return nil
}

func (f *engineFlags) idealDuration() time.Duration {
	return time.Duration(f.idealDurationSec) * time.Second
}

func (f *engineFlags) ignored() set.Strings {
	return set.NewStrings(f.ignore...)
}
