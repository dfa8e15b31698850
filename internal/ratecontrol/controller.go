// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ratecontrol computes how many database replications should
// run in parallel. It is pure feedback logic: jobs report success and
// error events as they finish, and the controller derives a target
// concurrency from the recent history plus a backoff delay for
// retrying jobs. It performs no I/O of its own.
package ratecontrol

import (
	"math"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

const (
	// eventWindow is how long success and error events are remembered.
	// Older events are pruned on every read and never influence the
	// target again.
	eventWindow = 10 * time.Minute

	// bootstrapConcurrency is the target used before any success has
	// been observed: a conservative starting guess with no data.
	bootstrapConcurrency = 4

	// speedWindowLimit caps the elapsed-time denominator of the
	// average speed, so old quiet periods stop dragging the average
	// down after five minutes.
	speedWindowLimit = 300 * time.Second

	// errorDecayTime is the exponential decay constant applied to
	// error events when blending them into the target. An event this
	// old weighs 1/e of a fresh one.
	errorDecayTime = 120 * time.Second

	// errorSafetyFactor scales the concurrency at which an error was
	// observed, keeping the blended target a margin below the level
	// that produced errors.
	errorSafetyFactor = 0.9

	// sleepPerError and maxSleep bound the backoff delay derived from
	// the windowed error count.
	sleepPerError = 5 * time.Second
	maxSleep      = 60 * time.Second
)

// Config holds the fixed parameters of a Controller.
type Config struct {
	// Clock is the time source for event timestamps and windows.
	Clock clock.Clock
	// TotalDatabases is the number of databases in the whole run.
	TotalDatabases int
	// IdealDuration is the caller's target wall-clock time for the
	// run; 0 means "as fast as possible".
	IdealDuration time.Duration
	// MaxWorkers bounds the computed target concurrency.
	MaxWorkers int
}

// Validate returns an error if the config cannot drive a Controller.
func (cfg Config) Validate() error {
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.TotalDatabases < 0 {
		return errors.NotValidf("negative TotalDatabases")
	}
	if cfg.MaxWorkers < 1 {
		return errors.NotValidf("MaxWorkers %d", cfg.MaxWorkers)
	}
	return nil
}

type event struct {
	at time.Time
	// running is the number of concurrent replications at the time
	// the event was reported.
	running int
}

// Controller tracks recent replication outcomes and computes the
// concurrency target and backoff delay. It is safe for concurrent use;
// all state lives in memory for the duration of one run.
type Controller struct {
	cfg   Config
	start time.Time

	mu        sync.Mutex
	completed int
	successes []event
	errs      []event
}

// New returns a Controller for one run over cfg.TotalDatabases
// databases.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Controller{cfg: cfg, start: cfg.Clock.Now()}, nil
}

// ReportSuccess records a successful replication, with the number of
// replications running at call time.
func (c *Controller) ReportSuccess(running int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = append(c.successes, event{at: c.cfg.Clock.Now(), running: running})
}

// ReportError records a failed attempt, with the number of
// replications running at call time.
func (c *Controller) ReportError(running int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, event{at: c.cfg.Clock.Now(), running: running})
}

// JobFinished records that one database has been fully processed.
func (c *Controller) JobFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed++
}

// IdealNumberOfReplications returns the target number of concurrent
// replications, always within [1, MaxWorkers] once MaxWorkers permits
// the bootstrap value.
func (c *Controller) IdealNumberOfReplications() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	c.prune(now)

	if len(c.successes) == 0 {
		return clamp(bootstrapConcurrency, 1, c.cfg.MaxWorkers)
	}

	var sumConcurrency, maxConcurrency int
	for _, e := range c.successes {
		sumConcurrency += e.running
		if e.running > maxConcurrency {
			maxConcurrency = e.running
		}
	}
	avgConcurrency := float64(sumConcurrency) / float64(len(c.successes))
	currentSpeed := c.currentSpeed(now)

	// Never escalate beyond double the best concurrency that has
	// actually produced successes.
	ceiling := 2 * float64(maxConcurrency)

	var raw float64
	if c.cfg.IdealDuration == 0 {
		// No time target: aim for maximum throughput, bounded only
		// by the escalation ceiling.
		raw = ceiling
	} else {
		left := float64(c.cfg.TotalDatabases - c.completed)
		timeLeft := c.start.Add(c.cfg.IdealDuration).Sub(now).Seconds()
		if timeLeft < 1 {
			timeLeft = 1
		}
		idealSpeed := left / timeLeft
		raw = math.Round(avgConcurrency * idealSpeed / currentSpeed)
		if raw > ceiling {
			raw = ceiling
		}
	}

	// Blend the raw target with recent errors: each error pulls the
	// target towards a margin below the concurrency that produced it,
	// with influence decaying exponentially as the error ages.
	weightSum := 1.0
	valueSum := raw
	for _, e := range c.errs {
		w := math.Exp(-now.Sub(e.at).Seconds() / errorDecayTime.Seconds())
		weightSum += w
		valueSum += w * errorSafetyFactor * float64(e.running)
	}

	target := int(math.Round(valueSum / weightSum))
	return clamp(target, 1, c.cfg.MaxWorkers)
}

// IdealSleep returns how long a job should pause before retrying,
// growing with the number of recent errors and capped at a minute.
func (c *Controller) IdealSleep() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.cfg.Clock.Now())

	sleep := time.Duration(len(c.errs)) * sleepPerError
	if sleep > maxSleep {
		sleep = maxSleep
	}
	return sleep
}

// RecentErrorCount returns the number of errors still inside the
// event window. Diagnostics only.
func (c *Controller) RecentErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.cfg.Clock.Now())
	return len(c.errs)
}

// Speeds returns the achieved replication speed and the speed needed
// to finish within IdealDuration, both in databases per second. The
// ideal speed is 0 when there is no time target.
func (c *Controller) Speeds() (current, ideal float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	c.prune(now)
	current = c.currentSpeed(now)
	if c.cfg.IdealDuration > 0 {
		timeLeft := c.start.Add(c.cfg.IdealDuration).Sub(now).Seconds()
		if timeLeft < 1 {
			timeLeft = 1
		}
		ideal = float64(c.cfg.TotalDatabases-c.completed) / timeLeft
	}
	return current, ideal
}

// currentSpeed computes the windowed average success rate. Callers
// must hold the mutex and have pruned the history.
func (c *Controller) currentSpeed(now time.Time) float64 {
	elapsed := now.Sub(c.start).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	if limit := speedWindowLimit.Seconds(); elapsed > limit {
		elapsed = limit
	}
	return float64(len(c.successes)) / elapsed
}

// prune drops events older than the window. Callers must hold the
// mutex.
func (c *Controller) prune(now time.Time) {
	c.successes = pruneEvents(c.successes, now)
	c.errs = pruneEvents(c.errs, now)
}

func pruneEvents(events []event, now time.Time) []event {
	// Events are appended in time order, so everything after the
	// first survivor is inside the window too.
	for i, e := range events {
		if now.Sub(e.at) < eventWindow {
			return events[i:]
		}
	}
	return events[:0]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
