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

// Package auditor implements the verification side of the ledger protocol:
// ingesting signed windows, spot-checking the checkable fraction, recomputing
// weights, and pausing on suspicious epoch churn.
package auditor

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ledgerwatch/log/v3"
	"github.com/spf13/afero"

	"github.com/veriledger/veriledger/ledger"
	"github.com/veriledger/veriledger/ledger/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SyncMode reports how a checkpoint was applied.
type SyncMode string

const (
	// SyncReset means local accumulator state was replaced wholesale.
	SyncReset SyncMode = "reset"
	// SyncRefresh means the checkpoint confirmed the current epoch and the
	// baseline was refreshed in place.
	SyncRefresh SyncMode = "refresh"
	// SyncSkip means the checkpoint window was already covered by local state
	// and nothing changed.
	SyncSkip SyncMode = "skip"
)

var (
	// ErrEpochRegression is returned for a checkpoint older than local state.
	// Regressions are never applied, whatever the signature says.
	ErrEpochRegression = errors.New("checkpoint epoch behind local state")
	// ErrUnjustifiedBump is returned for an epoch advance without a valid
	// recompute record.
	ErrUnjustifiedBump = errors.New("epoch advance without valid recompute record")
)

// bumpRecord is one accepted epoch bump, kept for rate-limit evaluation.
type bumpRecord struct {
	Epoch      uint64                 `json:"epoch"`
	AcceptedAt time.Time              `json:"accepted_at"`
	Reason     ledger.RecomputeReason `json:"reason"`
}

// syncState is the auditor's persisted view of the ledger.
type syncState struct {
	Epoch             uint64    `json:"epoch"`
	LastCheckpointEnd time.Time `json:"last_checkpoint_end"`

	LastDeltaID   string                             `json:"last_delta_id"`
	AppliedDeltas map[string]bool                    `json:"applied_deltas"`
	AppliedItems  map[string]bool                    `json:"applied_items"`
	Accumulators  map[uint64]ledger.AccumulatorEntry `json:"accumulators"`
	Roster        []ledger.RosterEntry               `json:"roster"`
	ScoringConfig ledger.ScoringConfig               `json:"scoring_config"`
	ChainParams   *ledger.ChainParams                `json:"chain_params,omitempty"`
	BumpHistory   []bumpRecord                       `json:"bump_history"`
	PausedByOp    bool                               `json:"paused_by_operator"`

	// LastWeights is the last weight vector that passed verification, retained
	// for submission while a mismatch or pause is in effect.
	LastWeights map[uint64]uint16 `json:"last_weights,omitempty"`
}

// ControllerConfig bounds how often the primary may bump the epoch before the
// auditor pauses weight submission.
type ControllerConfig struct {
	MaxBumpsPerDay  int
	MaxBumpsPerWeek int
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{MaxBumpsPerDay: 1, MaxBumpsPerWeek: 3}
}

// Syncer maintains the auditor's local replica of the ledger. It is single
// threaded by construction; the runtime is its only caller.
type Syncer struct {
	fs        afero.Fs
	statePath string
	ctrl      ControllerConfig
	logger    log.Logger
	now       func() time.Time

	state      syncState
	lastPaused bool
}

func NewSyncer(fs afero.Fs, dataDir string, ctrl ControllerConfig, logger log.Logger) (*Syncer, error) {
	s := &Syncer{
		fs:        fs,
		statePath: path.Join(dataDir, "auditor_state.json"),
		ctrl:      ctrl,
		logger:    logger,
		now:       time.Now,
	}
	if err := fs.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	raw, err := afero.ReadFile(fs, s.statePath)
	if err == nil {
		if err := json.Unmarshal(raw, &s.state); err != nil {
			return nil, fmt.Errorf("parsing auditor state: %w", err)
		}
		logger.Info("[sync] resuming", "epoch", s.state.Epoch, "last_delta", s.state.LastDeltaID)
	}
	if s.state.AppliedDeltas == nil {
		s.state.AppliedDeltas = map[string]bool{}
	}
	if s.state.AppliedItems == nil {
		s.state.AppliedItems = map[string]bool{}
	}
	if s.state.Accumulators == nil {
		s.state.Accumulators = map[uint64]ledger.AccumulatorEntry{}
	}
	return s, nil
}

func (s *Syncer) persist() error {
	raw, err := json.Marshal(&s.state)
	if err != nil {
		return err
	}
	tmp := s.statePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, raw, 0o644); err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.statePath); err != nil {
		s.fs.Remove(tmp)
		return err
	}
	return nil
}

// Epoch returns the epoch of the local replica.
func (s *Syncer) Epoch() uint64 { return s.state.Epoch }

// LastDeltaID returns the catch-up marker for delta listing.
func (s *Syncer) LastDeltaID() string { return s.state.LastDeltaID }

// Roster returns the miner roster from the last applied checkpoint.
func (s *Syncer) Roster() []ledger.RosterEntry { return s.state.Roster }

// ScoringConfig returns the scoring parameters from the last checkpoint.
func (s *Syncer) ScoringConfig() ledger.ScoringConfig { return s.state.ScoringConfig }

// ChainParams returns the chain parameters from the last checkpoint, if any.
func (s *Syncer) ChainParams() *ledger.ChainParams { return s.state.ChainParams }

// Accumulators returns the local accumulator entries in ascending UID order.
func (s *Syncer) Accumulators() []ledger.AccumulatorEntry {
	out := make([]ledger.AccumulatorEntry, 0, len(s.state.Accumulators))
	for _, e := range s.state.Accumulators {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].UID != out[b].UID {
			return out[a].UID < out[b].UID
		}
		return out[a].MinerID < out[b].MinerID
	})
	return out
}

// LastWeights returns the last verified weight vector, or nil.
func (s *Syncer) LastWeights() map[uint64]uint16 { return s.state.LastWeights }

// SetLastWeights records a verified weight vector for retain-on-mismatch.
func (s *Syncer) SetLastWeights(w map[uint64]uint16) error {
	s.state.LastWeights = w
	return s.persist()
}

// ApplyCheckpoint folds a decoded, signature-verified checkpoint into local
// state.
//
// Same epoch with a newer window end refreshes the baseline in place; a window
// already covered by local state is skipped, since rewinding to a stale
// baseline would drop delta folds applied after it. A higher epoch is accepted
// only with a valid recompute record advancing from the local epoch; it resets
// the replica. Every applied checkpoint moves the delta cursor to its window
// end, so only deltas past the baseline get folded on top. A lower epoch is
// rejected outright.
func (s *Syncer) ApplyCheckpoint(cp *ledger.Checkpoint) (SyncMode, error) {
	switch {
	case cp.Manifest.Epoch < s.state.Epoch:
		return "", fmt.Errorf("%w: checkpoint epoch %d, local %d", ErrEpochRegression, cp.Manifest.Epoch, s.state.Epoch)
	case cp.Manifest.Epoch == s.state.Epoch && s.state.Epoch != 0 &&
		!cp.Manifest.WindowEnd.After(s.state.LastCheckpointEnd):
		s.logger.Debug("[sync] checkpoint window already covered",
			"epoch", cp.Manifest.Epoch, "window_end", cp.Manifest.WindowEnd)
		return SyncSkip, nil
	case cp.Manifest.Epoch > s.state.Epoch && s.state.Epoch != 0:
		rec := cp.Manifest.Recompute
		if err := rec.Validate(); err != nil {
			return "", fmt.Errorf("%w: %s", ErrUnjustifiedBump, err)
		}
		if rec.Epoch != cp.Manifest.Epoch {
			return "", fmt.Errorf("%w: record epoch %d, manifest epoch %d", ErrUnjustifiedBump, rec.Epoch, cp.Manifest.Epoch)
		}
		s.state.BumpHistory = append(s.state.BumpHistory, bumpRecord{
			Epoch:      cp.Manifest.Epoch,
			AcceptedAt: s.now().UTC(),
			Reason:     rec.ReasonCode,
		})
		s.logger.Warn("[sync] epoch bump accepted",
			"from", s.state.Epoch, "to", cp.Manifest.Epoch,
			"reason", rec.ReasonCode, "severity", rec.Severity)
	}

	mode := SyncRefresh
	if cp.Manifest.Epoch != s.state.Epoch {
		mode = SyncReset
		// Recomputed history invalidates every item fold of the old epoch.
		s.state.AppliedItems = map[string]bool{}
	}

	// The checkpoint supersedes every delta up to its window end. Deltas past
	// it are re-listed and folded onto the fresh baseline; the item set is
	// kept across refreshes so a re-listed delta cannot fold the same settled
	// item twice.
	s.state.LastDeltaID = store.DeltaMarker(cp.Manifest.Epoch, cp.Manifest.WindowEnd)
	s.state.AppliedDeltas = map[string]bool{}
	s.state.LastCheckpointEnd = cp.Manifest.WindowEnd
	s.state.Epoch = cp.Manifest.Epoch
	s.state.Roster = cp.Roster
	s.state.ScoringConfig = cp.ScoringConfig
	s.state.ChainParams = cp.ChainParams
	s.state.Accumulators = make(map[uint64]ledger.AccumulatorEntry, len(cp.Accumulators))
	for _, e := range cp.Accumulators {
		e.DeriveMeans()
		s.state.Accumulators[e.MinerID] = e
	}

	if err := s.persist(); err != nil {
		return "", err
	}
	s.logger.Info("[sync] checkpoint applied", "epoch", s.state.Epoch, "miners", len(cp.Accumulators), "mode", mode)
	return mode, nil
}

// itemKey identifies one settled submission across deltas.
func itemKey(sub ledger.SettledSubmission) string {
	return fmt.Sprintf("%d/%d/%s", sub.MinerID, sub.MarketID, sub.Side)
}

// ApplyDelta folds a decoded, signature-verified delta into local
// accumulators. Dedup runs at two levels: a re-listed delta ID is skipped
// outright, and a settled item already folded under another ID is a no-op.
// Submissions for miners outside the synced roster are dropped; an epoch
// mismatch is rejected.
func (s *Syncer) ApplyDelta(id string, d *ledger.Delta) error {
	if s.state.AppliedDeltas[id] {
		s.logger.Debug("[sync] delta already applied", "id", id)
		return nil
	}
	if d.Manifest.Epoch != s.state.Epoch {
		return fmt.Errorf("delta %s epoch %d, local %d", id, d.Manifest.Epoch, s.state.Epoch)
	}

	roster := make(map[uint64]ledger.RosterEntry, len(s.state.Roster))
	for _, r := range s.state.Roster {
		roster[r.MinerID] = r
	}

	var folded, duplicate int
	for _, sub := range d.SettledSubmissions {
		key := itemKey(sub)
		if s.state.AppliedItems[key] {
			duplicate++
			continue
		}
		entry, ok := s.state.Accumulators[sub.MinerID]
		if !ok {
			r, known := roster[sub.MinerID]
			if !known {
				s.logger.Warn("[sync] submission for miner outside roster", "id", id, "miner", sub.MinerID)
				continue
			}
			entry = ledger.AccumulatorEntry{MinerID: r.MinerID, UID: r.UID, PubKey: r.PubKey}
		}
		entry.NSubmissions++
		if sub.Brier != nil {
			entry.Brier = entry.Brier.Add(*sub.Brier, 1)
			entry.NOutcomes++
		}
		if sub.PSS != nil {
			entry.PSS = entry.PSS.Add(*sub.PSS, 1)
		}
		entry.DeriveMeans()
		s.state.Accumulators[sub.MinerID] = entry
		s.state.AppliedItems[key] = true
		folded++
	}

	s.state.AppliedDeltas[id] = true
	if id > s.state.LastDeltaID {
		s.state.LastDeltaID = id
	}
	if err := s.persist(); err != nil {
		return err
	}
	s.logger.Debug("[sync] delta applied", "id", id,
		"folded", folded, "duplicates", duplicate, "outcomes", len(d.SettledOutcomes))
	return nil
}

// Paused reports whether weight submission is suppressed, either by operator
// override or by epoch churn beyond the controller limits. Ingestion always
// continues; only submission stops. Both transitions are logged, once each.
func (s *Syncer) Paused() bool {
	paused, reason := s.evalPause()
	if paused != s.lastPaused {
		if paused {
			s.logger.Warn("[sync] weight submission paused", "reason", reason)
		} else {
			s.logger.Warn("[sync] weight submission resumed")
		}
		s.lastPaused = paused
	}
	return paused
}

func (s *Syncer) evalPause() (bool, string) {
	if s.state.PausedByOp {
		return true, "operator override"
	}
	now := s.now()
	var day, week int
	for _, b := range s.state.BumpHistory {
		age := now.Sub(b.AcceptedAt)
		if age <= 24*time.Hour {
			day++
		}
		if age <= 7*24*time.Hour {
			week++
		}
	}
	if day > s.ctrl.MaxBumpsPerDay {
		return true, fmt.Sprintf("%d epoch bumps in 24h", day)
	}
	if week > s.ctrl.MaxBumpsPerWeek {
		return true, fmt.Sprintf("%d epoch bumps in 7d", week)
	}
	return false, ""
}

// SetOperatorPause flips the manual submission override. Resuming does not
// clear bump history; the rate windows still have to age out on their own.
func (s *Syncer) SetOperatorPause(paused bool) error {
	s.state.PausedByOp = paused
	s.logger.Warn("[sync] operator pause changed", "paused", paused)
	return s.persist()
}
