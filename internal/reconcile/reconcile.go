// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconcile repairs a specific replication inconsistency:
// documents that exist on the source but are missing on the target
// because the target holds a deletion tombstone that the source later
// resurrected with newer revisions, a race the one-shot replication
// primitive does not always propagate. The repair replays the missing
// revisions onto the target so that the target's revision history
// becomes identical, revision id for revision id, to the source's.
package reconcile

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/coucharchive/coucharchive/internal/couchdb"
)

var logger = loggo.GetLogger("coucharchive.reconcile")

const (
	// ErrRevisionUnavailable indicates a revision needed for replay
	// was compacted away on the source and cannot be recovered.
	ErrRevisionUnavailable = errors.ConstError("source revision unavailable")

	// ErrRevisionMismatch indicates a replayed revision was assigned
	// an id different from the source's, which should be impossible
	// given content-deterministic revision assignment.
	ErrRevisionMismatch = errors.ConstError("replayed revision id mismatch")
)

// Source is the read side of a reconciliation.
type Source interface {
	AllDocIDs() ([]string, error)
	RevisionHistory(id string) ([]couchdb.RevisionInfo, error)
	DocumentAtRevision(id, rev string) (couchdb.Document, error)
}

// Target is the write side of a reconciliation.
type Target interface {
	AllDocIDs() ([]string, error)
	ConflictingRevisions(id string) ([]couchdb.Leaf, error)
	SaveDocument(doc couchdb.Document) (string, error)
}

// Run repairs every document of the named database that is present on
// the source and absent on the target due to the tombstone
// resurrection race. Documents missing for any other reason are left
// for the replication primitive to transfer.
func Run(name string, source Source, target Target) error {
	sourceIDs, err := source.AllDocIDs()
	if err != nil {
		return errors.Annotatef(err, "listing source documents of %q", name)
	}
	targetIDs, err := target.AllDocIDs()
	if err != nil {
		return errors.Annotatef(err, "listing target documents of %q", name)
	}

	present := set.NewStrings(targetIDs...)
	for _, id := range sourceIDs {
		if present.Contains(id) {
			continue
		}
		if err := repairDocument(name, id, source, target); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// repairDocument replays onto the target the source revisions newer
// than the tombstone the two sides share. Documents that do not match
// the race are skipped.
func repairDocument(name, id string, source Source, target Target) error {
	history, err := source.RevisionHistory(id)
	if err != nil {
		return errors.Annotatef(err, "fetching revision history of %q in %q", id, name)
	}

	tombstone, ok, err := targetTombstone(id, target, history)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return nil
	}

	// Collect every source revision strictly newer than the shared
	// tombstone, oldest first. A revision in that span that is
	// neither available nor deleted was compacted away: the history
	// cannot be replayed and the data cannot be recovered here.
	var replay []couchdb.RevisionInfo
	for _, info := range history {
		if info.Rev == tombstone {
			break
		}
		if !info.Available() {
			return errors.WithType(
				errors.Errorf(
					"database %q document %q: revision %s needed to rebuild "+
						"history above tombstone %s is %q on the source",
					name, id, info.Rev, tombstone, info.Status,
				),
				ErrRevisionUnavailable,
			)
		}
		replay = append([]couchdb.RevisionInfo{info}, replay...)
	}

	logger.Infof("repairing %q in %q: replaying %d revisions above tombstone %s",
		id, name, len(replay), tombstone)

	// Replay in order. The first save continues the target's existing
	// chain: the document carries no revision, and the server's
	// content-derived assignment makes it the next revision after the
	// tombstone. Later saves continue from the revision assigned just
	// before, except after a replayed deletion, which ends the chain.
	var lastRev string
	for _, info := range replay {
		doc, err := source.DocumentAtRevision(id, info.Rev)
		if err != nil {
			return errors.Annotatef(err, "fetching %q at %s from source %q", id, info.Rev, name)
		}
		if lastRev == "" {
			delete(doc, "_rev")
		} else {
			doc["_rev"] = lastRev
		}
		newRev, err := target.SaveDocument(doc)
		if err != nil {
			return errors.Annotatef(err, "saving %q at %s to target %q", id, info.Rev, name)
		}
		if newRev != info.Rev {
			return errors.WithType(
				errors.Errorf(
					"database %q document %q: replay produced revision %s, expected %s",
					name, id, newRev, info.Rev,
				),
				ErrRevisionMismatch,
			)
		}
		if doc.Deleted() {
			lastRev = ""
		} else {
			lastRev = newRev
		}
	}
	return nil
}

// targetTombstone returns the target's current tombstone revision for
// the document, if the document's state on the target matches the race
// being repaired: every current branch is a deletion tombstone and one
// of them appears in the source's history.
func targetTombstone(id string, target Target, history []couchdb.RevisionInfo) (string, bool, error) {
	leaves, err := target.ConflictingRevisions(id)
	if errors.Is(err, couchdb.NotFound) {
		// The target has never seen this document; that is ordinary
		// missing data for replication to transfer, not the race.
		return "", false, nil
	} else if err != nil {
		return "", false, errors.Trace(err)
	}
	if len(leaves) == 0 {
		return "", false, nil
	}

	for _, leaf := range leaves {
		if !leaf.Deleted {
			// A live branch exists; the document is not hidden
			// behind a tombstone.
			return "", false, nil
		}
	}

	inHistory := set.NewStrings()
	for _, info := range history {
		inHistory.Add(info.Rev)
	}
	for _, leaf := range leaves {
		if inHistory.Contains(leaf.Rev) {
			return leaf.Rev, true, nil
		}
	}
	return "", false, nil
}
