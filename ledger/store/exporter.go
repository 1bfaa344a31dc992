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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/ledgerwatch/log/v3"

	"github.com/veriledger/veriledger/ledger"
)

var (
	checkpointsExported = metrics.GetOrCreateCounter(`vldg_exporter_windows_total{type="checkpoint"}`)
	deltasExported      = metrics.GetOrCreateCounter(`vldg_exporter_windows_total{type="delta"}`)
	exportErrors        = metrics.GetOrCreateCounter("vldg_exporter_errors_total")
	epochBumps          = metrics.GetOrCreateCounter("vldg_exporter_epoch_bumps_total")
)

// ScoreSource is the primary's scoring database, seen through the narrow
// surface the exporter needs. Everything it returns has already been settled
// and scored; the exporter never sees open positions or raw feed data.
type ScoreSource interface {
	Roster() ([]ledger.RosterEntry, error)
	Accumulators() ([]ledger.AccumulatorEntry, error)
	SettledBetween(since, until time.Time) ([]ledger.SettledSubmission, []ledger.Outcome, error)
	ScoringConfig() (ledger.ScoringConfig, error)
	ChainParams() (*ledger.ChainParams, error)
}

// exporterState is the persisted cursor between export cycles.
type exporterState struct {
	Epoch         uint64                  `json:"epoch"`
	EpochStart    time.Time               `json:"epoch_start"`
	LastWindowEnd time.Time               `json:"last_window_end"`
	LastDeltaID   string                  `json:"last_delta_id"`
	LastRecompute *ledger.RecomputeRecord `json:"last_recompute,omitempty"`
}

// ExporterConfig holds the export cadence.
type ExporterConfig struct {
	CheckpointInterval time.Duration
	DeltaInterval      time.Duration
}

func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		CheckpointInterval: 6 * time.Hour,
		DeltaInterval:      10 * time.Minute,
	}
}

// Exporter builds signed checkpoint and delta windows from the score source
// and writes them to the store. It is the only component holding the signing
// key, and the only writer of exporter state.
type Exporter struct {
	cfg    ExporterConfig
	src    ScoreSource
	store  Store
	codec  *ledger.Codec
	priv   *secp256k1.PrivateKey
	pubHex string
	logger log.Logger
	now    func() time.Time

	mu    sync.Mutex
	state exporterState
}

func NewExporter(cfg ExporterConfig, src ScoreSource, st Store, priv *secp256k1.PrivateKey, logger log.Logger) (*Exporter, error) {
	e := &Exporter{
		cfg:    cfg,
		src:    src,
		store:  st,
		codec:  ledger.NewCodec(),
		priv:   priv,
		pubHex: ledger.PubKeyHex(priv.PubKey()),
		logger: logger,
		now:    time.Now,
	}
	err := st.LoadState(&e.state)
	switch {
	case err == nil:
		logger.Info("[exporter] resuming", "epoch", e.state.Epoch, "last_delta", e.state.LastDeltaID)
	case errors.Is(err, ErrNotFound):
		start := e.now().UTC()
		e.state = exporterState{Epoch: 1, EpochStart: start, LastWindowEnd: start}
		logger.Info("[exporter] fresh state", "epoch", e.state.Epoch)
	default:
		return nil, fmt.Errorf("loading exporter state: %w", err)
	}
	return e, nil
}

// Epoch returns the current export epoch.
func (e *Exporter) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Epoch
}

// PubKey returns the hex identity the exporter signs with.
func (e *Exporter) PubKey() string { return e.pubHex }

func (e *Exporter) manifest(windowType string, start, end time.Time, sections map[string]any, rec *ledger.RecomputeRecord) (ledger.Manifest, error) {
	hashes, err := ledger.HashSections(sections)
	if err != nil {
		return ledger.Manifest{}, err
	}
	m := ledger.Manifest{
		SchemaVersion: ledger.SchemaVersion,
		WindowType:    windowType,
		WindowStart:   start,
		WindowEnd:     end,
		Epoch:         e.state.Epoch,
		ContentHashes: hashes,
		PrimaryKey:    e.pubHex,
		CreatedAt:     e.now().UTC(),
		Recompute:     rec,
	}
	m.Signature, err = ledger.SignManifest(m, e.priv)
	return m, err
}

// ExportCheckpoint snapshots the full accumulator state into a signed blob.
// The recompute record of the most recent epoch bump rides along until the
// next bump, so auditors joining late still see the justification.
func (e *Exporter) ExportCheckpoint() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	roster, err := e.src.Roster()
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("reading roster: %w", err)
	}
	accums, err := e.src.Accumulators()
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("reading accumulators: %w", err)
	}
	scoring, err := e.src.ScoringConfig()
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("reading scoring config: %w", err)
	}
	params, err := e.src.ChainParams()
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("reading chain params: %w", err)
	}

	cp := &ledger.Checkpoint{
		Roster:        roster,
		Accumulators:  accums,
		ScoringConfig: scoring,
		ChainParams:   params,
	}
	end := e.now().UTC()
	cp.Manifest, err = e.manifest(ledger.WindowTypeCheckpoint, e.state.EpochStart, end, cp.Sections(), e.state.LastRecompute)
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("signing checkpoint: %w", err)
	}

	blob, err := e.codec.EncodeCheckpoint(cp)
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := e.store.PutCheckpoint(e.state.Epoch, blob); err != nil {
		exportErrors.Inc()
		return fmt.Errorf("writing checkpoint: %w", err)
	}

	checkpointsExported.Inc()
	e.logger.Info("[exporter] checkpoint exported",
		"epoch", e.state.Epoch, "miners", len(accums), "bytes", len(blob))
	return nil
}

// ExportDelta exports the settled-item scores since the last window. An empty
// window is skipped, not exported.
func (e *Exporter) ExportDelta() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.state.LastWindowEnd
	if start.IsZero() {
		start = e.state.EpochStart
	}
	end := e.now().UTC()

	subs, outcomes, err := e.src.SettledBetween(start, end)
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("reading settled items: %w", err)
	}
	if len(subs) == 0 && len(outcomes) == 0 {
		e.state.LastWindowEnd = end
		return e.store.SaveState(&e.state)
	}

	d := &ledger.Delta{SettledSubmissions: subs, SettledOutcomes: outcomes}
	d.Manifest, err = e.manifest(ledger.WindowTypeDelta, start, end, d.Sections(), nil)
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("signing delta: %w", err)
	}

	blob, err := e.codec.EncodeDelta(d)
	if err != nil {
		exportErrors.Inc()
		return fmt.Errorf("encoding delta: %w", err)
	}

	id := newDeltaID(e.state.Epoch, end)
	if err := e.store.PutDelta(id, blob); err != nil {
		exportErrors.Inc()
		return fmt.Errorf("writing delta: %w", err)
	}

	e.state.LastWindowEnd = end
	e.state.LastDeltaID = id
	if err := e.store.SaveState(&e.state); err != nil {
		return fmt.Errorf("persisting exporter state: %w", err)
	}

	deltasExported.Inc()
	e.logger.Info("[exporter] delta exported",
		"id", id, "submissions", len(subs), "outcomes", len(outcomes), "bytes", len(blob))
	return nil
}

// BumpEpoch advances the export epoch after a recompute event. The record
// must be well formed and must advance exactly from the current epoch; the
// bump is followed immediately by a checkpoint of the recomputed state.
func (e *Exporter) BumpEpoch(rec *ledger.RecomputeRecord) error {
	e.mu.Lock()
	if err := rec.Validate(); err != nil {
		e.mu.Unlock()
		return err
	}
	if rec.PreviousEpoch != e.state.Epoch {
		cur := e.state.Epoch
		e.mu.Unlock()
		return fmt.Errorf("%w: record previous epoch %d, current %d", ledger.ErrMalformedRecord, rec.PreviousEpoch, cur)
	}

	e.state.Epoch = rec.Epoch
	e.state.EpochStart = e.now().UTC()
	e.state.LastWindowEnd = e.state.EpochStart
	e.state.LastDeltaID = ""
	e.state.LastRecompute = rec
	if err := e.store.SaveState(&e.state); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persisting epoch bump: %w", err)
	}
	epochBumps.Inc()
	e.logger.Warn("[exporter] epoch bumped",
		"epoch", rec.Epoch, "reason", rec.ReasonCode, "severity", rec.Severity, "affected", len(rec.AffectedItemIDs))
	e.mu.Unlock()

	return e.ExportCheckpoint()
}

// Run drives the export loops until the context is cancelled. Export failures
// are logged and retried on the next tick; the loop itself never dies.
func (e *Exporter) Run(ctx context.Context) error {
	if err := e.ExportCheckpoint(); err != nil {
		e.logger.Error("[exporter] initial checkpoint failed", "err", err)
	}

	cpTicker := time.NewTicker(e.cfg.CheckpointInterval)
	defer cpTicker.Stop()
	deltaTicker := time.NewTicker(e.cfg.DeltaInterval)
	defer deltaTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cpTicker.C:
			if err := e.ExportCheckpoint(); err != nil {
				e.logger.Error("[exporter] checkpoint export failed", "err", err)
			}
		case <-deltaTicker.C:
			if err := e.ExportDelta(); err != nil {
				e.logger.Error("[exporter] delta export failed", "err", err)
			}
		}
	}
}

// newDeltaID builds an ID that sorts after every earlier ID of the same
// epoch: epoch prefix, then UTC timestamp, then a short random suffix for
// same-second uniqueness.
func newDeltaID(epoch uint64, ts time.Time) string {
	return fmt.Sprintf("%s_%s", DeltaMarker(epoch, ts), uuid.NewString()[:8])
}
