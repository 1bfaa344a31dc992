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
	"sort"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ledgerwatch/log/v3"

	"github.com/veriledger/veriledger/ledger"
	"github.com/veriledger/veriledger/weights"
)

var (
	weightMatches    = metrics.GetOrCreateCounter(`vldg_auditor_weight_checks_total{result="match"}`)
	weightMismatches = metrics.GetOrCreateCounter(`vldg_auditor_weight_checks_total{result="mismatch"}`)
)

// ChainView reads the primary's last submitted weight vector from the chain.
type ChainView interface {
	PrimaryWeights(ctx context.Context) (uids []uint64, ws []uint16, err error)
}

// WeightSubmitter writes the auditor's weight vector on chain.
type WeightSubmitter interface {
	SetWeights(ctx context.Context, uids []uint64, ws []uint16) error
}

// WeightVerificationTask recomputes the weight vector from the synced ledger
// and compares it against the primary's on-chain submission.
//
// On a match the recomputed vector is submitted and remembered. On a mismatch
// the task reports the divergence and resubmits the last vector that passed,
// so a buggy or dishonest export cannot steer emissions through this auditor.
type WeightVerificationTask struct {
	chain     ChainView
	submitter WeightSubmitter
	threshold float64
	logger    log.Logger
}

func NewWeightVerificationTask(chain ChainView, submitter WeightSubmitter, threshold float64, logger log.Logger) *WeightVerificationTask {
	if threshold <= 0 {
		threshold = weights.DefaultSimilarityThreshold
	}
	return &WeightVerificationTask{chain: chain, submitter: submitter, threshold: threshold, logger: logger}
}

func (t *WeightVerificationTask) Name() string    { return "weight_verification" }
func (t *WeightVerificationTask) Version() string { return "1" }

func (t *WeightVerificationTask) OnCycle(ctx context.Context, cc *CycleContext) (*TaskResult, error) {
	params := cc.Syncer.ChainParams()
	if params == nil {
		return nil, errors.New("no chain params in synced state")
	}

	entries := cc.Syncer.Accumulators()
	ms := make([]ledger.MinerMetrics, 0, len(entries))
	for _, e := range entries {
		ms = append(ms, ledger.MetricsFromEntry(e))
	}

	result, err := weights.Compute(ms, cc.Syncer.ScoringConfig(), *params)
	if err != nil {
		return nil, fmt.Errorf("recomputing weights: %w", err)
	}

	primaryUIDs, primaryWs, err := t.chain.PrimaryWeights(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading primary weights: %w", err)
	}
	primaryVec := denseVector(primaryUIDs, primaryWs, params.NNeurons)
	mineVec := result.Vector(params.NNeurons)

	detail := map[string]any{
		"miners":    len(ms),
		"threshold": t.threshold,
	}

	simErr := weights.CheckSimilarity(mineVec, primaryVec, t.threshold)
	var mismatch *weights.MismatchError
	if errors.As(simErr, &mismatch) {
		weightMismatches.Inc()
		detail["similarity"] = mismatch.Similarity
		t.logger.Warn("[weights] primary vector diverges",
			"similarity", mismatch.Similarity, "threshold", t.threshold)

		// Fall back to the last verified vector; a mismatch must not make
		// this auditor endorse either side's fresh numbers.
		if last := cc.Syncer.LastWeights(); len(last) > 0 && !cc.Paused {
			uids, ws := flatten(last)
			if err := t.submitter.SetWeights(ctx, uids, ws); err != nil {
				return nil, fmt.Errorf("resubmitting retained weights: %w", err)
			}
			detail["submitted"] = "retained"
		}
		return &TaskResult{
			Task: t.Name(), Version: t.Version(), Epoch: cc.Epoch,
			OK: false, Detail: detail, CompletedAt: time.Now().UTC(),
		}, nil
	}
	if simErr != nil {
		return nil, simErr
	}

	weightMatches.Inc()
	if cc.Paused {
		detail["submitted"] = "suppressed"
		t.logger.Warn("[weights] submission suppressed while paused")
	} else {
		if err := t.submitter.SetWeights(ctx, result.UIDs, result.Weights); err != nil {
			return nil, fmt.Errorf("submitting weights: %w", err)
		}
		verified := make(map[uint64]uint16, len(result.UIDs))
		for i, uid := range result.UIDs {
			verified[uid] = result.Weights[i]
		}
		if err := cc.Syncer.SetLastWeights(verified); err != nil {
			return nil, err
		}
		detail["submitted"] = "recomputed"
	}

	return &TaskResult{
		Task: t.Name(), Version: t.Version(), Epoch: cc.Epoch,
		OK: true, Detail: detail, CompletedAt: time.Now().UTC(),
	}, nil
}

func denseVector(uids []uint64, ws []uint16, nNeurons int) []float64 {
	v := make([]float64, nNeurons)
	for i, uid := range uids {
		if int(uid) < nNeurons {
			v[uid] = float64(ws[i])
		}
	}
	return v
}

func flatten(m map[uint64]uint16) ([]uint64, []uint16) {
	uids := make([]uint64, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(a, b int) bool { return uids[a] < uids[b] })
	ws := make([]uint16, len(uids))
	for i, uid := range uids {
		ws[i] = m[uid]
	}
	return uids, ws
}
