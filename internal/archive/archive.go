// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package archive packs a database data directory plus run metadata
// into a single compressed archive file, and unpacks such archives
// again. The data tree sits at the archive root next to the metadata
// blob, so an extracted archive can serve directly as a server's
// database directory.
package archive

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4/tar"
	"gopkg.in/yaml.v2"
)

var logger = loggo.GetLogger("coucharchive.archive")

const metadataFilename = "metadata.yaml"

// Metadata describes the contents of an archive.
type Metadata struct {
	// CreatedAt is when the archive was built.
	CreatedAt time.Time `yaml:"created-at"`
	// ServerVersion is the version of the server the data came from.
	ServerVersion string `yaml:"server-version"`
	// Databases are the database names captured in the archive.
	Databases []string `yaml:"databases"`
}

// Create builds the archive file at path from the given data
// directory and metadata. The metadata blob is written into the data
// tree for the duration of the packing and removed again.
func Create(path, dataDir string, meta Metadata) error {
	metaPath := filepath.Join(dataDir, metadataFilename)
	data, err := yaml.Marshal(meta)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.WriteFile(metaPath, data, 0600); err != nil {
		return errors.Annotate(err, "writing archive metadata")
	}
	defer os.Remove(metaPath)

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return errors.Annotate(err, "reading data directory")
	}
	var files []string
	for _, entry := range entries {
		files = append(files, filepath.Join(dataDir, entry.Name()))
	}

	archiveFile, err := os.Create(path)
	if err != nil {
		return errors.Annotate(err, "creating archive file")
	}
	defer archiveFile.Close()

	gzw := gzip.NewWriter(archiveFile)
	stripPrefix := dataDir + string(os.PathSeparator)
	if _, err := tar.TarFiles(files, gzw, stripPrefix); err != nil {
		return errors.Annotate(err, "building archive")
	}
	if err := gzw.Close(); err != nil {
		return errors.Annotate(err, "flushing archive")
	}
	logger.Infof("wrote archive %s (%d databases)", path, len(meta.Databases))
	return errors.Trace(archiveFile.Close())
}

// Extract unpacks the archive at path into destDir, which becomes a
// ready-to-serve data directory, and returns the archive's metadata.
func Extract(path, destDir string) (Metadata, error) {
	archiveFile, err := os.Open(path)
	if err != nil {
		return Metadata{}, errors.Annotate(err, "opening archive file")
	}
	defer archiveFile.Close()

	gzr, err := gzip.NewReader(archiveFile)
	if err != nil {
		return Metadata{}, errors.Annotate(err, "uncompressing archive file")
	}
	if err := tar.UntarFiles(gzr, destDir); err != nil {
		return Metadata{}, errors.Annotate(err, "extracting archive")
	}

	data, err := os.ReadFile(filepath.Join(destDir, metadataFilename))
	if err != nil {
		return Metadata{}, errors.Annotate(err, "reading archive metadata")
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, errors.Annotate(err, "parsing archive metadata")
	}
	return meta, nil
}
