// Package fileutil includes helpers for writing the coordinator's persistent
// state. Every snapshot is written to a temporary file in the destination
// directory and renamed into place so that readers observe either the prior
// file or the fully written one, never a partial write.
package fileutil

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// MkdirAll creates the directory at the given path, including any missing
// parents. An existing regular file at the path is an error.
func MkdirAll(dirPath string) error {
	info, err := os.Stat(dirPath)
	if err == nil {
		if !info.IsDir() {
			return errors.Errorf("path %s exists and is not a directory", dirPath)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dirPath, os.ModePerm)
}

// FileExists returns true if a file is not a directory and exists
// at the specified path.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// WriteFileAtomic writes data to a temporary file in the target directory and
// renames it over the destination path.
func WriteFileAtomic(file string, data []byte) error {
	dir := filepath.Dir(file)
	if err := MkdirAll(dir); err != nil {
		return errors.Wrapf(err, "could not create directory %s", dir)
	}
	tmp, err := ioutil.TempFile(dir, filepath.Base(file)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "could not create temporary file")
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort cleanup if the rename never happened.
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "could not write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "could not sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "could not close %s", tmpName)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return errors.Wrapf(err, "could not chmod %s", tmpName)
	}
	return os.Rename(tmpName, file)
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(file string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.Wrap(err, "could not marshal JSON")
	}
	return WriteFileAtomic(file, data)
}

// ReadJSON unmarshals the file contents into v. Returns os.ErrNotExist
// wrapped errors when the file is absent so callers can start fresh.
func ReadJSON(file string, v interface{}) error {
	data, err := ioutil.ReadFile(file) // #nosec G304
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
