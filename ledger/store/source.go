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

package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/veriledger/veriledger/ledger"
)

// scoreFile is the on-disk layout read by FileScoreSource.
type scoreFile struct {
	Roster             []ledger.RosterEntry       `json:"roster"`
	Accumulators       []ledger.AccumulatorEntry  `json:"accumulators"`
	SettledSubmissions []ledger.SettledSubmission `json:"settled_submissions"`
	SettledOutcomes    []ledger.Outcome           `json:"settled_outcomes"`
	ScoringConfig      *ledger.ScoringConfig      `json:"scoring_config,omitempty"`
	ChainParams        *ledger.ChainParams        `json:"chain_params,omitempty"`
}

// FileScoreSource reads the scoring database from a single JSON file the
// scoring engine rewrites in place. It re-reads on every call, so an updated
// file is picked up at the next export tick without a restart.
type FileScoreSource struct {
	fs   afero.Fs
	path string

	mu sync.Mutex
}

func NewFileScoreSource(fs afero.Fs, path string) *FileScoreSource {
	return &FileScoreSource{fs: fs, path: path}
}

func (s *FileScoreSource) load() (*scoreFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, fmt.Errorf("reading score file %s: %w", s.path, err)
	}
	var f scoreFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing score file %s: %w", s.path, err)
	}
	return &f, nil
}

func (s *FileScoreSource) Roster() ([]ledger.RosterEntry, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(f.Roster, func(a, b int) bool { return f.Roster[a].UID < f.Roster[b].UID })
	return f.Roster, nil
}

func (s *FileScoreSource) Accumulators() ([]ledger.AccumulatorEntry, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range f.Accumulators {
		f.Accumulators[i].DeriveMeans()
	}
	sort.Slice(f.Accumulators, func(a, b int) bool { return f.Accumulators[a].UID < f.Accumulators[b].UID })
	return f.Accumulators, nil
}

func (s *FileScoreSource) SettledBetween(since, until time.Time) ([]ledger.SettledSubmission, []ledger.Outcome, error) {
	f, err := s.load()
	if err != nil {
		return nil, nil, err
	}
	var subs []ledger.SettledSubmission
	for _, sub := range f.SettledSubmissions {
		if sub.SettledAt.After(since) && !sub.SettledAt.After(until) {
			subs = append(subs, sub)
		}
	}
	var outs []ledger.Outcome
	for _, o := range f.SettledOutcomes {
		if o.SettledAt.After(since) && !o.SettledAt.After(until) {
			outs = append(outs, o)
		}
	}
	sort.Slice(subs, func(a, b int) bool { return subs[a].SettledAt.Before(subs[b].SettledAt) })
	sort.Slice(outs, func(a, b int) bool { return outs[a].SettledAt.Before(outs[b].SettledAt) })
	return subs, outs, nil
}

func (s *FileScoreSource) ScoringConfig() (ledger.ScoringConfig, error) {
	f, err := s.load()
	if err != nil {
		return ledger.ScoringConfig{}, err
	}
	if f.ScoringConfig != nil {
		return *f.ScoringConfig, nil
	}
	return ledger.DefaultScoringConfig(), nil
}

func (s *FileScoreSource) ChainParams() (*ledger.ChainParams, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.ChainParams, nil
}
