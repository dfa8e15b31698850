// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package couchdb

import (
	"net/url"

	"github.com/juju/errors"
)

// Document is one database document, decoded as loosely as the server
// stores it. The _id, _rev and _deleted fields are significant to
// replication; everything else is opaque content.
type Document map[string]interface{}

// ID returns the document id, if present.
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Deleted reports whether the document is a deletion tombstone.
func (d Document) Deleted() bool {
	deleted, _ := d["_deleted"].(bool)
	return deleted
}

// Revision statuses reported in a document's revision history.
const (
	RevisionAvailable = "available"
	RevisionDeleted   = "deleted"
	RevisionMissing   = "missing"
)

// RevisionInfo is one entry of a document's revision history.
type RevisionInfo struct {
	Rev    string `json:"rev"`
	Status string `json:"status"`
}

// Available reports whether the revision's content can be fetched,
// either as a live body or as a deletion tombstone.
func (r RevisionInfo) Available() bool {
	return r.Status == RevisionAvailable || r.Status == RevisionDeleted
}

// Leaf is one current revision branch of a document.
type Leaf struct {
	Rev     string
	Deleted bool
}

// Security is a database's access-control document.
type Security struct {
	Admins  SecurityGroup `json:"admins,omitempty"`
	Members SecurityGroup `json:"members,omitempty"`
}

// SecurityGroup names the users and roles granted one access level.
type SecurityGroup struct {
	Names []string `json:"names,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Database is a handle on one named database of a server.
type Database struct {
	client *Client
	name   string
}

// Name returns the database name.
func (db *Database) Name() string {
	return db.name
}

// URL returns the database's full, credentialed URL.
func (db *Database) URL() string {
	return db.client.DatabaseURL(db.name)
}

func (db *Database) path(parts ...string) string {
	p := url.PathEscape(db.name)
	for _, part := range parts {
		p = p + "/" + url.PathEscape(part)
	}
	return p
}

// DocCount returns the number of live documents in the database.
func (db *Database) DocCount() (int, error) {
	var info struct {
		DocCount int `json:"doc_count"`
	}
	if err := db.client.do("GET", db.path(), nil, nil, &info); err != nil {
		return 0, errors.Trace(err)
	}
	return info.DocCount, nil
}

// AllDocIDs enumerates every document id in the database.
func (db *Database) AllDocIDs() ([]string, error) {
	var result struct {
		Rows []struct {
			ID string `json:"id"`
		} `json:"rows"`
	}
	if err := db.client.do("GET", db.path("_all_docs"), nil, nil, &result); err != nil {
		return nil, errors.Trace(err)
	}
	ids := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		ids = append(ids, row.ID)
	}
	return ids, nil
}

// SecurityDocument reads the database's access-control document.
func (db *Database) SecurityDocument() (Security, error) {
	var sec Security
	if err := db.client.do("GET", db.path("_security"), nil, nil, &sec); err != nil {
		return Security{}, errors.Trace(err)
	}
	return sec, nil
}

// SetSecurityDocument writes the database's access-control document.
func (db *Database) SetSecurityDocument(sec Security) error {
	return errors.Trace(db.client.do("PUT", db.path("_security"), nil, sec, nil))
}

// RevisionHistory returns the document's full revision history,
// newest first, each revision tagged with its availability status.
func (db *Database) RevisionHistory(id string) ([]RevisionInfo, error) {
	var doc struct {
		RevsInfo []RevisionInfo `json:"_revs_info"`
	}
	query := url.Values{"revs_info": []string{"true"}}
	if err := db.client.do("GET", db.path(id), query, nil, &doc); err != nil {
		return nil, errors.Trace(err)
	}
	return doc.RevsInfo, nil
}

// DocumentAtRevision fetches the document body at a specific revision.
// A deleted revision comes back as a bare tombstone document.
func (db *Database) DocumentAtRevision(id, rev string) (Document, error) {
	var doc Document
	query := url.Values{"rev": []string{rev}}
	if err := db.client.do("GET", db.path(id), query, nil, &doc); err != nil {
		return nil, errors.Trace(err)
	}
	return doc, nil
}

// ConflictingRevisions returns every current revision branch of the
// document, including deleted branches. A document with no conflicts
// has exactly one leaf.
func (db *Database) ConflictingRevisions(id string) ([]Leaf, error) {
	var branches []struct {
		OK Document `json:"ok"`
	}
	query := url.Values{"open_revs": []string{"all"}}
	if err := db.client.do("GET", db.path(id), query, nil, &branches); err != nil {
		return nil, errors.Trace(err)
	}
	leaves := make([]Leaf, 0, len(branches))
	for _, branch := range branches {
		if branch.OK == nil {
			continue
		}
		rev, _ := branch.OK["_rev"].(string)
		leaves = append(leaves, Leaf{Rev: rev, Deleted: branch.OK.Deleted()})
	}
	return leaves, nil
}

// SaveDocument writes the document and returns the revision id the
// server assigned. A document without a _rev starts a new revision
// chain; one with a _rev continues from that revision. Assigned
// revision ids are deterministic hashes of content plus ancestry.
func (db *Database) SaveDocument(doc Document) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", errors.NotValidf("document without _id")
	}
	var result struct {
		Rev string `json:"rev"`
	}
	if err := db.client.do("PUT", db.path(id), nil, doc, &result); err != nil {
		return "", errors.Trace(err)
	}
	return result.Rev, nil
}
