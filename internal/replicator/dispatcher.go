// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package replicator drives the bulk replication of a set of
// databases from one server to another. A single coordinating loop
// feeds per-database jobs to a bounded worker pool, adapting the live
// concurrency to the rate controller's target and aborting the whole
// run on the first unrecovered job error.
package replicator

import (
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/ratelimit"
	"gopkg.in/tomb.v2"

	"github.com/coucharchive/coucharchive/internal/couchdb"
	"github.com/coucharchive/coucharchive/internal/ratecontrol"
)

var logger = loggo.GetLogger("coucharchive.replicator")

const (
	// tickInterval paces the coordinator loop; it is the only
	// intentional idle wait in the hot path.
	tickInterval = 100 * time.Millisecond

	// poisonPill tells a worker to stop pulling work. The server
	// never reports an empty database name.
	poisonPill = ""
)

// systemDatabases are internal to the cluster and never replicated.
var systemDatabases = set.NewStrings("_replicator", "_global_changes")

// DatabasesToReplicate filters the server's database list down to the
// ones a run should process, dropping cluster system databases and any
// caller-ignored names while preserving arrival order.
func DatabasesToReplicate(all []string, ignore set.Strings) []string {
	var names []string
	for _, name := range all {
		if systemDatabases.Contains(name) || ignore.Contains(name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

// Config holds the parameters of one replication run.
type Config struct {
	// Source and Target are the two server endpoints.
	Source *couchdb.Client
	Target *couchdb.Client
	// Names are the databases to replicate, processed in order.
	Names []string
	// MaxWorkers bounds the worker pool.
	MaxWorkers int
	// IdealDuration is the target wall-clock time for the whole run;
	// 0 means "as fast as possible".
	IdealDuration time.Duration
	// ReuseExisting tolerates target databases that already exist.
	ReuseExisting bool
	// Clock is the time source for ticks and retry delays.
	Clock clock.Clock
}

// Validate returns an error if the config cannot drive a run.
func (cfg Config) Validate() error {
	if cfg.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if cfg.Target == nil {
		return errors.NotValidf("nil Target")
	}
	if cfg.MaxWorkers < 1 {
		return errors.NotValidf("MaxWorkers %d", cfg.MaxWorkers)
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

type jobResult struct {
	name string
	err  error
}

// Dispatcher is the worker running one replication batch. Wait
// returns nil once every database has been processed, or the first
// unrecovered job error after all workers have been joined.
type Dispatcher struct {
	tomb tomb.Tomb

	cfg        Config
	controller *ratecontrol.Controller

	in      chan string
	results chan jobResult

	// running is mutated only by the coordinator; workers and jobs
	// read it when reporting controller events.
	running   int32
	completed int

	runJob func(name string) error

	statusBucket *ratelimit.Bucket
}

// New starts a replication run over cfg.Names.
func New(cfg Config) (*Dispatcher, error) {
	return newDispatcher(cfg, nil)
}

func newDispatcher(cfg Config, runJob func(name string) error) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	controller, err := ratecontrol.New(ratecontrol.Config{
		Clock:          cfg.Clock,
		TotalDatabases: len(cfg.Names),
		IdealDuration:  cfg.IdealDuration,
		MaxWorkers:     cfg.MaxWorkers,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	d := &Dispatcher{
		cfg:        cfg,
		controller: controller,
		// Sized so that sending every name plus one poison pill per
		// worker slot can never block.
		in:      make(chan string, len(cfg.Names)+cfg.MaxWorkers),
		results: make(chan jobResult, cfg.MaxWorkers),
		// At most one progress line per second.
		statusBucket: ratelimit.NewBucket(time.Second, 1),
	}
	d.runJob = runJob
	if d.runJob == nil {
		d.runJob = d.replicateOne
	}
	d.tomb.Go(d.loop)
	for i := 0; i < cfg.MaxWorkers; i++ {
		d.tomb.Go(d.worker)
	}
	return d, nil
}

// Run performs a whole replication batch synchronously.
func Run(cfg Config) error {
	d, err := New(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.Wait())
}

// Kill is part of the worker.Worker interface.
func (d *Dispatcher) Kill() {
	d.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Dispatcher) Wait() error {
	return d.tomb.Wait()
}

func (d *Dispatcher) runningCount() int {
	return int(atomic.LoadInt32(&d.running))
}

// loop is the coordinator: each tick it reads the controller's
// current target, dispatches pending names while the running count is
// below it, and drains available results. The first failed result
// stops all further dispatch; in-flight jobs may still post late
// results, which are ignored.
func (d *Dispatcher) loop() error {
	// One poison pill per worker slot, whether the run completed,
	// failed, or was killed; the buffered queue makes this
	// non-blocking, and workers are joined by the tomb.
	defer func() {
		for i := 0; i < d.cfg.MaxWorkers; i++ {
			d.in <- poisonPill
		}
		close(d.in)
	}()

	pending := append([]string(nil), d.cfg.Names...)
	total := len(d.cfg.Names)

	var firstErr error
	for firstErr == nil && d.completed < total {
		target := d.controller.IdealNumberOfReplications()
		for len(pending) > 0 && d.runningCount() < target {
			d.in <- pending[0]
			pending = pending[1:]
			atomic.AddInt32(&d.running, 1)
		}

	drain:
		for {
			select {
			case res := <-d.results:
				atomic.AddInt32(&d.running, -1)
				if res.err != nil {
					firstErr = errors.Annotatef(res.err, "database %q", res.name)
					break drain
				}
				d.completed++
				d.controller.JobFinished()
			default:
				break drain
			}
		}

		d.logStatus(target, total)
		if firstErr != nil || d.completed >= total {
			break
		}

		select {
		case <-d.tomb.Dying():
			return tomb.ErrDying
		case <-d.cfg.Clock.After(tickInterval):
		}
	}

	if firstErr != nil {
		return errors.Trace(firstErr)
	}
	logger.Infof("replicated all %d databases", total)
	return nil
}

// worker pulls one database name at a time and runs its job,
// reporting the outcome on the results channel. It exits on the
// poison pill, or when the run is dying.
func (d *Dispatcher) worker() error {
	for {
		select {
		case <-d.tomb.Dying():
			return tomb.ErrDying
		case name, ok := <-d.in:
			if !ok || name == poisonPill {
				return nil
			}
			d.results <- jobResult{name: name, err: d.runJob(name)}
		}
	}
}

// replicateOne runs the full replication job for one database.
func (d *Dispatcher) replicateOne(name string) error {
	j := newJob(jobConfig{
		name:          name,
		source:        d.cfg.Source,
		target:        d.cfg.Target,
		controller:    d.controller,
		clock:         d.cfg.Clock,
		reuseExisting: d.cfg.ReuseExisting,
		running:       d.runningCount,
	})
	return j.run()
}

func (d *Dispatcher) logStatus(target, total int) {
	if d.statusBucket.TakeAvailable(1) == 0 {
		return
	}
	current, ideal := d.controller.Speeds()
	logger.Infof("%d/%d databases done, %d running (target %d), %.2f db/s (want %.2f), %d recent errors",
		d.completed, total, d.runningCount(), target,
		current, ideal, d.controller.RecentErrorCount())
}
