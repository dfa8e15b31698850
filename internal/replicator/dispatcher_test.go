// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package replicator_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/coucharchive/coucharchive/internal/couchdb"
	"github.com/coucharchive/coucharchive/internal/replicator"
)

const longWait = 10 * time.Second

type dispatcherSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&dispatcherSuite{})

func (s *dispatcherSuite) config(c *gc.C, names []string, maxWorkers int) replicator.Config {
	source, err := couchdb.NewClient("http://127.0.0.1:1/")
	c.Assert(err, jc.ErrorIsNil)
	target, err := couchdb.NewClient("http://127.0.0.1:2/")
	c.Assert(err, jc.ErrorIsNil)
	return replicator.Config{
		Source:     source,
		Target:     target,
		Names:      names,
		MaxWorkers: maxWorkers,
		Clock:      clock.WallClock,
	}
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("db-%02d", i)
	}
	return out
}

// countingRunner records every job it runs and the highest
// concurrency it observes.
type countingRunner struct {
	mu      sync.Mutex
	ran     []string
	current int
	highest int
	delay   time.Duration
	fail    map[string]error
}

func (r *countingRunner) run(name string) error {
	r.mu.Lock()
	r.ran = append(r.ran, name)
	r.current++
	if r.current > r.highest {
		r.highest = r.current
	}
	err := r.fail[name]
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.current--
	r.mu.Unlock()
	return err
}

func (s *dispatcherSuite) wait(c *gc.C, d *replicator.Dispatcher) error {
	done := make(chan error, 1)
	go func() { done <- d.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(longWait):
		c.Fatalf("dispatcher never finished")
		return nil
	}
}

func (s *dispatcherSuite) TestValidateConfig(c *gc.C) {
	_, err := replicator.New(replicator.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	cfg := s.config(c, names(1), 4)
	cfg.Clock = nil
	_, err = replicator.New(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	cfg = s.config(c, names(1), 0)
	_, err = replicator.New(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *dispatcherSuite) TestProcessesEveryDatabaseOnce(c *gc.C) {
	runner := &countingRunner{}
	d, err := replicator.NewWithJobRunner(s.config(c, names(10), 4), runner.run)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.wait(c, d), jc.ErrorIsNil)

	c.Assert(runner.ran, gc.HasLen, 10)
	c.Assert(set.NewStrings(runner.ran...), gc.DeepEquals, set.NewStrings(names(10)...))
}

func (s *dispatcherSuite) TestEmptyRunCompletes(c *gc.C) {
	runner := &countingRunner{}
	d, err := replicator.NewWithJobRunner(s.config(c, nil, 4), runner.run)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.wait(c, d), jc.ErrorIsNil)
	c.Assert(runner.ran, gc.HasLen, 0)
}

func (s *dispatcherSuite) TestNeverExceedsMaxWorkers(c *gc.C) {
	runner := &countingRunner{delay: 20 * time.Millisecond}
	d, err := replicator.NewWithJobRunner(s.config(c, names(30), 3), runner.run)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.wait(c, d), jc.ErrorIsNil)

	c.Assert(runner.ran, gc.HasLen, 30)
	c.Assert(runner.highest <= 3, jc.IsTrue,
		gc.Commentf("observed %d concurrent jobs", runner.highest))
}

func (s *dispatcherSuite) TestBootstrapDispatchesFour(c *gc.C) {
	// With no prior successes the controller's target is 4, so a run
	// with plenty of pending databases starts at most 4 jobs before
	// any outcome is known.
	block := make(chan struct{})
	var mu sync.Mutex
	var started int
	d, err := replicator.NewWithJobRunner(
		s.config(c, names(10), 8),
		func(name string) error {
			mu.Lock()
			started++
			mu.Unlock()
			<-block
			return nil
		},
	)
	c.Assert(err, jc.ErrorIsNil)

	// Give the coordinator a few ticks to dispatch what it will.
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	c.Check(started, gc.Equals, 4)
	mu.Unlock()

	close(block)
	c.Assert(s.wait(c, d), jc.ErrorIsNil)
}

func (s *dispatcherSuite) TestFirstErrorAbortsRun(c *gc.C) {
	runner := &countingRunner{
		delay: 10 * time.Millisecond,
		fail:  map[string]error{"db-03": errors.New("boom")},
	}
	d, err := replicator.NewWithJobRunner(s.config(c, names(20), 4), runner.run)
	c.Assert(err, jc.ErrorIsNil)

	err = s.wait(c, d)
	c.Assert(err, gc.ErrorMatches, `database "db-03": boom`)
	// The failure stopped dispatch well before the whole batch.
	c.Assert(len(runner.ran) < 20, jc.IsTrue,
		gc.Commentf("ran %d jobs", len(runner.ran)))
}

func (s *dispatcherSuite) TestKillStopsDispatch(c *gc.C) {
	runner := &countingRunner{delay: 10 * time.Millisecond}
	d, err := replicator.NewWithJobRunner(s.config(c, names(1000), 2), runner.run)
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, d)
	c.Assert(len(runner.ran) < 1000, jc.IsTrue)
}

func (s *dispatcherSuite) TestDatabasesToReplicate(c *gc.C) {
	all := []string{"_users", "_replicator", "_global_changes", "accounts", "invoices"}
	c.Assert(replicator.DatabasesToReplicate(all, set.NewStrings()),
		gc.DeepEquals, []string{"_users", "accounts", "invoices"})
	c.Assert(replicator.DatabasesToReplicate(all, set.NewStrings("invoices")),
		gc.DeepEquals, []string{"_users", "accounts"})
}
