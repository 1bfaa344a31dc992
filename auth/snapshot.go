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

package auth

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ledgerwatch/log/v3"
	"github.com/spf13/afero"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// snapshotFile is the on-disk layout written by the chain-state poller.
type snapshotFile struct {
	AsOf    time.Time              `json:"as_of"`
	Entries map[string]Eligibility `json:"entries"`
}

// FileSnapshotSource reads eligibility snapshots from a JSON file an external
// chain poller keeps fresh. A missing or stale file yields a stale snapshot,
// which the policy rejects on its own.
type FileSnapshotSource struct {
	fs   afero.Fs
	path string
}

func NewFileSnapshotSource(fs afero.Fs, path string) *FileSnapshotSource {
	return &FileSnapshotSource{fs: fs, path: path}
}

func (s *FileSnapshotSource) Snapshot() (*Snapshot, error) {
	raw, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file %s: %w", s.path, err)
	}
	var f snapshotFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing snapshot file %s: %w", s.path, err)
	}
	return &Snapshot{AsOf: f.AsOf, Entries: f.Entries}, nil
}

// RefreshLoop polls the source and pushes fresh snapshots into the policy
// until the context is cancelled. A failed poll keeps the previous snapshot;
// staleness handling is the policy's job.
func RefreshLoop(ctx context.Context, src SnapshotSource, policy *AccessPolicy, interval time.Duration, logger log.Logger) {
	refresh := func() {
		snap, err := src.Snapshot()
		if err != nil {
			logger.Warn("[auth] snapshot refresh failed", "err", err)
			return
		}
		policy.UpdateSnapshot(snap)
		logger.Debug("[auth] snapshot refreshed", "as_of", snap.AsOf, "entries", len(snap.Entries))
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
