// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// coucharchive replicates a whole multi-database CouchDB cluster:
// into a compressed archive file (create), from such an archive into
// a live cluster (restore), or directly between two clusters
// (replicate).
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("coucharchive.cmd")

const loggingConfigEnvKey = "COUCHARCHIVE_LOGGING_CONFIG"

// Info describes a subcommand's intent and usage.
type Info struct {
	Name    string
	Args    string
	Purpose string
}

// Command is implemented by the coucharchive subcommands.
type Command interface {
	// Info returns information about the command.
	Info() *Info

	// SetFlags adds the command's options to f.
	SetFlags(f *gnuflag.FlagSet)

	// Init processes the positional arguments left after flag
	// parsing.
	Init(args []string) error

	// Run executes the command.
	Run() error
}

func commands() []Command {
	return []Command{
		&createCommand{},
		&restoreCommand{},
		&replicateCommand{},
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: coucharchive <command> [options]\n\ncommands:\n")
	for _, c := range commands() {
		info := c.Info()
		fmt.Fprintf(os.Stderr, "    %-10s %s\n", info.Name, info.Purpose)
	}
}

// Main runs the requested subcommand and returns the process exit
// code.
func Main(args []string) int {
	if err := loggo.ConfigureLoggers(loggingConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR parsing %s: %v\n", loggingConfigEnvKey, err)
		return 2
	}
	if len(args) < 1 {
		usage()
		return 2
	}
	for _, c := range commands() {
		if c.Info().Name != args[0] {
			continue
		}
		if err := run(c, args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(os.Stderr, "ERROR unrecognised command: %q\n", args[0])
	usage()
	return 2
}

func run(c Command, args []string) error {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.Usage = func() {
		info := c.Info()
		fmt.Fprintf(os.Stderr, "usage: coucharchive %s %s\n\noptions:\n",
			info.Name, info.Args)
		f.PrintDefaults()
	}
	c.SetFlags(f)
	if err := f.Parse(true, args); err != nil {
		return err
	}
	if err := c.Init(f.Args()); err != nil {
		return err
	}
	return c.Run()
}

func loggingConfig() string {
	if config := os.Getenv(loggingConfigEnvKey); config != "" {
		return config
	}
	return "<root>=INFO"
}

// checkEmpty returns an error if args is not empty.
func checkEmpty(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unrecognised args: %s", strings.Join(args, " "))
	}
	return nil
}

func main() {
	os.Exit(Main(os.Args[1:]))
}
