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

package auditor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ledgerwatch/log/v3"
	"golang.org/x/sync/errgroup"

	"github.com/veriledger/veriledger/ledger"
	"github.com/veriledger/veriledger/ledger/store"
)

var (
	cyclesRun    = metrics.GetOrCreateCounter("vldg_auditor_cycles_total")
	cycleErrors  = metrics.GetOrCreateCounter("vldg_auditor_cycle_errors_total")
	deltasSynced = metrics.GetOrCreateCounter("vldg_auditor_deltas_synced_total")
)

// ErrTooManyFailures is returned when the runtime gives up after the
// consecutive-error ceiling. By then the condition is not transient and an
// operator has to look.
var ErrTooManyFailures = errors.New("too many consecutive cycle failures")

// LedgerFetcher is the transport surface the runtime pulls blobs through.
// *store.Client is the production implementation.
type LedgerFetcher interface {
	FetchLatestCheckpoint(ctx context.Context) ([]byte, error)
	ListDeltas(ctx context.Context, sinceID string) (uint64, []string, error)
	FetchDelta(ctx context.Context, id string) ([]byte, error)
}

// RuntimeConfig holds the sync loop knobs.
type RuntimeConfig struct {
	Interval             time.Duration
	MaxConsecutiveErrors int
	FetchConcurrency     int
	// PrimaryKey is the out-of-band configured identity every blob must be
	// signed by.
	PrimaryKey string
}

func DefaultRuntimeConfig(primaryKey string) RuntimeConfig {
	return RuntimeConfig{
		Interval:             5 * time.Minute,
		MaxConsecutiveErrors: 10,
		FetchConcurrency:     4,
		PrimaryKey:           primaryKey,
	}
}

// Runtime drives the auditor: fetch, verify, apply, run tasks, attest. All
// state transitions go through the single-threaded cycle; cancellation is
// only observed between whole steps, never inside one.
type Runtime struct {
	cfg      RuntimeConfig
	fetcher  LedgerFetcher
	syncer   *Syncer
	verifier *Verifier
	registry *Registry
	codec    *ledger.Codec
	priv     *secp256k1.PrivateKey
	attLog   *AttestationLog
	logger   log.Logger
}

func NewRuntime(cfg RuntimeConfig, fetcher LedgerFetcher, syncer *Syncer, verifier *Verifier,
	registry *Registry, priv *secp256k1.PrivateKey, attLog *AttestationLog, logger log.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		fetcher:  fetcher,
		syncer:   syncer,
		verifier: verifier,
		registry: registry,
		codec:    ledger.NewCodec(),
		priv:     priv,
		attLog:   attLog,
		logger:   logger,
	}
}

// fetchCheckpoint downloads and decodes the latest checkpoint with backoff.
// A blob that fails verification is permanent: refetching the same bytes
// cannot make a bad signature good.
func (r *Runtime) fetchCheckpoint(ctx context.Context) (*ledger.Checkpoint, error) {
	op := func() (*ledger.Checkpoint, error) {
		blob, err := r.fetcher.FetchLatestCheckpoint(ctx)
		if err != nil {
			if errors.Is(err, store.ErrAccessDenied) || errors.Is(err, store.ErrNoCheckpoint) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		cp, err := r.codec.DecodeCheckpoint(blob, r.cfg.PrimaryKey)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return cp, nil
	}
	return backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
}

// RunCycle executes one full sync and verification pass.
func (r *Runtime) RunCycle(ctx context.Context) error {
	cyclesRun.Inc()

	cp, err := r.fetchCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("fetching checkpoint: %w", err)
	}

	reports := []*Report{r.verifier.VerifyCheckpoint(cp)}
	if cp.Manifest.Epoch == r.syncer.Epoch() {
		reports = append(reports, r.verifier.VerifyDrift(r.syncer.Accumulators(), cp))
	}
	if _, err := r.syncer.ApplyCheckpoint(cp); err != nil {
		return fmt.Errorf("applying checkpoint: %w", err)
	}

	deltas, err := r.syncDeltas(ctx)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		reports = append(reports, r.verifier.VerifyDelta(d))
	}

	cc := &CycleContext{
		Epoch:      r.syncer.Epoch(),
		Paused:     r.syncer.Paused(),
		Syncer:     r.syncer,
		Checkpoint: cp,
		Deltas:     deltas,
		Reports:    reports,
	}
	for _, res := range r.registry.RunAll(ctx, cc) {
		att, err := Attest(r.priv, res)
		if err != nil {
			return fmt.Errorf("attesting %s: %w", res.Task, err)
		}
		if err := r.attLog.Append(att); err != nil {
			return fmt.Errorf("recording attestation: %w", err)
		}
	}
	return ctx.Err()
}

// syncDeltas lists, fetches, decodes and applies all unseen deltas of the
// current epoch. Fetches run concurrently; decoding results are applied in ID
// order by the single writer.
func (r *Runtime) syncDeltas(ctx context.Context) ([]*ledger.Delta, error) {
	epoch, ids, err := r.fetcher.ListDeltas(ctx, r.syncer.LastDeltaID())
	if err != nil {
		return nil, fmt.Errorf("listing deltas: %w", err)
	}
	if epoch != r.syncer.Epoch() || len(ids) == 0 {
		// Epoch moved under us; the next cycle's checkpoint resolves it.
		return nil, nil
	}

	decoded := make([]*ledger.Delta, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FetchConcurrency)
	var mu sync.Mutex
	for i, id := range ids {
		g.Go(func() error {
			blob, err := r.fetcher.FetchDelta(gctx, id)
			if err != nil {
				return fmt.Errorf("fetching delta %s: %w", id, err)
			}
			d, err := r.codec.DecodeDelta(blob, r.cfg.PrimaryKey)
			if err != nil {
				return fmt.Errorf("decoding delta %s: %w", id, err)
			}
			mu.Lock()
			decoded[i] = d
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, d := range decoded {
		if err := r.syncer.ApplyDelta(ids[i], d); err != nil {
			return nil, fmt.Errorf("applying delta %s: %w", ids[i], err)
		}
		deltasSynced.Inc()
	}
	return decoded, nil
}

// Run loops RunCycle on the configured interval. Access denial surfaces
// immediately as a blocking operator error; transient failures are tolerated
// up to the consecutive-error ceiling.
func (r *Runtime) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		err := r.RunCycle(ctx)
		switch {
		case err == nil:
			consecutive = 0
		case errors.Is(err, context.Canceled):
			return err
		case errors.Is(err, store.ErrAccessDenied):
			r.logger.Error("[runtime] ledger access denied, operator action required", "err", err)
			return err
		default:
			consecutive++
			cycleErrors.Inc()
			r.logger.Error("[runtime] cycle failed", "err", err, "consecutive", consecutive)
			if consecutive >= r.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%w: %d failures, last: %s", ErrTooManyFailures, consecutive, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
