// Copyright 2025 The Veriledger Authors
// This file is part of Veriledger.
//
// Veriledger is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Veriledger is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Veriledger. If not, see <http://www.gnu.org/licenses/>.

// Package store persists and distributes encoded ledger blobs: a filesystem
// store and exporter on the primary side, an HTTP server over it, and the
// catch-up client auditors use to consume it.
package store

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
)

var (
	ErrNotFound     = errors.New("ledger object not found")
	ErrNoCheckpoint = errors.New("no checkpoint available")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store holds encoded (signed, compressed) ledger blobs. Delta IDs are
// lexicographically ordered within an epoch, so "everything after marker X"
// is a plain string comparison.
type Store interface {
	PutCheckpoint(epoch uint64, blob []byte) error
	LatestCheckpoint() ([]byte, error)
	PutDelta(id string, blob []byte) error
	GetDelta(id string) ([]byte, error)
	ListDeltas(epoch uint64, sinceID string) ([]string, error)
	LoadState(v any) error
	SaveState(v any) error
}

// DeltaIDPrefix returns the ID prefix shared by all deltas of an epoch.
func DeltaIDPrefix(epoch uint64) string {
	return fmt.Sprintf("d_%010d_", epoch)
}

const deltaTimeLayout = "20060102T150405"

// DeltaMarker returns a listing marker that excludes every delta created
// strictly before t within the epoch. Deltas carry a random suffix after the
// timestamp, so IDs minted at t itself still sort after the marker.
func DeltaMarker(epoch uint64, t time.Time) string {
	return DeltaIDPrefix(epoch) + t.UTC().Format(deltaTimeLayout)
}

const (
	checkpointDir = "checkpoints"
	deltaDir      = "deltas"
	stateFile     = "exporter_state.json"
	blobExt       = ".vlg"
)

// FsStore is an afero-backed Store. Writes go through a temp file and a
// rename, so a crash mid-write never leaves a partial blob visible.
type FsStore struct {
	fs   afero.Fs
	root string
}

func NewFsStore(fs afero.Fs, root string) (*FsStore, error) {
	for _, d := range []string{root, path.Join(root, checkpointDir), path.Join(root, deltaDir)} {
		if err := fs.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return &FsStore{fs: fs, root: root}, nil
}

func (s *FsStore) writeAtomic(p string, blob []byte) error {
	tmp := p + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, blob, 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *FsStore) PutCheckpoint(epoch uint64, blob []byte) error {
	name := fmt.Sprintf("cp_%010d%s", epoch, blobExt)
	return s.writeAtomic(path.Join(s.root, checkpointDir, name), blob)
}

func (s *FsStore) LatestCheckpoint() ([]byte, error) {
	entries, err := afero.ReadDir(s.fs, path.Join(s.root, checkpointDir))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), blobExt) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, ErrNoCheckpoint
	}
	sort.Strings(names)
	return afero.ReadFile(s.fs, path.Join(s.root, checkpointDir, names[len(names)-1]))
}

func (s *FsStore) PutDelta(id string, blob []byte) error {
	return s.writeAtomic(path.Join(s.root, deltaDir, id+blobExt), blob)
}

func (s *FsStore) GetDelta(id string) ([]byte, error) {
	blob, err := afero.ReadFile(s.fs, path.Join(s.root, deltaDir, id+blobExt))
	if err != nil {
		return nil, fmt.Errorf("%w: delta %s", ErrNotFound, id)
	}
	return blob, nil
}

func (s *FsStore) ListDeltas(epoch uint64, sinceID string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, path.Join(s.root, deltaDir))
	if err != nil {
		return nil, err
	}
	prefix := DeltaIDPrefix(epoch)
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), blobExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), blobExt)
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if sinceID != "" && id <= sinceID {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FsStore) LoadState(v any) error {
	b, err := afero.ReadFile(s.fs, path.Join(s.root, stateFile))
	if err != nil {
		return ErrNotFound
	}
	return json.Unmarshal(b, v)
}

func (s *FsStore) SaveState(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeAtomic(path.Join(s.root, stateFile), b)
}
