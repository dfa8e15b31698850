// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package replicator

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/coucharchive/coucharchive/internal/couchdb"
	"github.com/coucharchive/coucharchive/internal/ratecontrol"
	"github.com/coucharchive/coucharchive/internal/reconcile"
)

const (
	// usersDatabase is the privileged users database; it exists on
	// every freshly provisioned server, so finding it already present
	// on the target is never an error.
	usersDatabase = "_users"

	// maxRetries caps every per-database retry loop: an initial
	// attempt plus up to ten retries.
	maxRetries = 10

	// ErrCountMismatch indicates the source and target document
	// counts still disagreed after reconciliation attempts.
	ErrCountMismatch = errors.ConstError("document count mismatch")
)

// fileDescriptorHint is appended to an overload failure: lost quorum
// under bulk replication is most often the server running out of file
// descriptors.
const fileDescriptorHint = "the cluster kept reporting lost quorum; " +
	"raising the server's open file descriptor limit (ulimit -n) usually fixes this"

type jobConfig struct {
	name          string
	source        *couchdb.Client
	target        *couchdb.Client
	controller    *ratecontrol.Controller
	clock         clock.Clock
	reuseExisting bool
	// running reports the dispatcher's current concurrency, recorded
	// with every event sent to the controller.
	running func() int
}

// job replicates a single database: ensure the target database
// exists, trigger a one-shot replication, copy the security document,
// then verify document counts, reconciling and re-triggering until
// they agree. Any error surviving its retry budget fails the job, and
// a failed job aborts the whole run.
type job struct {
	jobConfig
	// sourceIsLocal is decided once at construction: the replication
	// request must be issued from whichever side is locally
	// reachable, because it has to reach both endpoints.
	sourceIsLocal bool
}

func newJob(cfg jobConfig) *job {
	return &job{jobConfig: cfg, sourceIsLocal: cfg.source.IsLocal()}
}

func (j *job) run() error {
	if err := j.ensureTarget(); err != nil {
		return errors.Trace(err)
	}
	if err := j.trigger(); err != nil {
		return errors.Annotatef(err, "triggering replication of %q", j.name)
	}
	if err := j.copySecurity(); err != nil {
		return errors.Trace(err)
	}
	if err := j.verify(); err != nil {
		return errors.Trace(err)
	}
	j.controller.ReportSuccess(j.running())
	return nil
}

// ensureTarget creates the target database. A database that already
// exists is tolerated for the users database and when the caller
// opted into reusing an existing target.
func (j *job) ensureTarget() error {
	err := j.target.CreateDatabase(j.name)
	if errors.Is(err, couchdb.PreconditionFailed) && (j.name == usersDatabase || j.reuseExisting) {
		return nil
	}
	return errors.Annotatef(err, "creating target database %q", j.name)
}

// trigger issues the one-shot replication request from the side that
// can reach both endpoints.
func (j *job) trigger() error {
	requester := j.target
	if j.sourceIsLocal {
		requester = j.source
	}
	return errors.Trace(requester.Replicate(
		j.source.DatabaseURL(j.name), j.target.DatabaseURL(j.name)))
}

// copySecurity copies the access-control document from source to
// target, retrying transient network failures and cluster overload
// with controller-driven backoff.
func (j *job) copySecurity() error {
	err := retry.Call(retry.CallArgs{
		Clock:    j.clock,
		Attempts: maxRetries + 1,
		Delay:    time.Second,
		BackoffFunc: func(time.Duration, int) time.Duration {
			return j.controller.IdealSleep()
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, couchdb.TransientNetwork) &&
				!errors.Is(err, couchdb.ServerOverloaded)
		},
		NotifyFunc: func(lastError error, attempt int) {
			j.controller.ReportError(j.running())
			logger.Warningf("copying security document of %q failed (attempt %d): %v",
				j.name, attempt, lastError)
		},
		Func: func() error {
			sec, err := j.source.Database(j.name).SecurityDocument()
			if err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(j.target.Database(j.name).SetSecurityDocument(sec))
		},
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) {
		lastErr := retry.LastError(err)
		if errors.Is(lastErr, couchdb.ServerOverloaded) {
			return errors.Annotatef(lastErr,
				"copying security document of %q: %s", j.name, fileDescriptorHint)
		}
		return errors.Annotatef(lastErr, "copying security document of %q", j.name)
	}
	return errors.Annotatef(err, "copying security document of %q", j.name)
}

// verify compares document counts between source and target until they
// agree. A source ahead of the target gets a reconciliation pass for
// the tombstone resurrection race, then a fresh replication, then a
// re-check on the next iteration. Errors while counting are treated as
// transient and retried blindly.
func (j *job) verify() error {
	sourceDB := j.source.Database(j.name)
	targetDB := j.target.Database(j.name)

	var sourceCount, targetCount int
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			j.controller.ReportError(j.running())
			<-j.clock.After(j.controller.IdealSleep())
		}

		var err error
		if sourceCount, err = sourceDB.DocCount(); err != nil {
			logger.Debugf("counting documents of source %q: %v", j.name, err)
			continue
		}
		if targetCount, err = targetDB.DocCount(); err != nil {
			logger.Debugf("counting documents of target %q: %v", j.name, err)
			continue
		}
		if sourceCount == targetCount {
			return nil
		}
		logger.Infof("database %q: source has %d documents, target has %d",
			j.name, sourceCount, targetCount)
		if sourceCount > targetCount {
			if err := reconcile.Run(j.name, sourceDB, targetDB); err != nil {
				return errors.Trace(err)
			}
			if err := j.trigger(); err != nil {
				return errors.Annotatef(err, "re-triggering replication of %q", j.name)
			}
		}
	}
	return errors.WithType(
		errors.Errorf(
			"document counts of %q still disagree after %d retries: source has %d, target has %d",
			j.name, maxRetries, sourceCount, targetCount,
		),
		ErrCountMismatch,
	)
}
