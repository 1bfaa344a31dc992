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
	"fmt"
	"math"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ledgerwatch/log/v3"

	"github.com/veriledger/veriledger/ledger"
)

var anomaliesFound = metrics.GetOrCreateCounter("vldg_auditor_anomalies_total")

// brierTolerance absorbs float serialization noise when recomputing a
// reported score. Anything beyond it is a real disagreement.
const brierTolerance = 1e-9

// DefaultDriftTolerance bounds how far a checkpoint's convenience mean may
// sit from the mean re-derived from its own accumulator pairs.
const DefaultDriftTolerance = 0.05

// ScoreMismatchError reports a per-submission score that does not match the
// value recomputed from public data.
type ScoreMismatchError struct {
	MinerID    uint64
	MarketID   uint64
	Reported   float64
	Recomputed float64
}

func (e *ScoreMismatchError) Error() string {
	return fmt.Sprintf("miner %d market %d: reported brier %.9f, recomputed %.9f",
		e.MinerID, e.MarketID, e.Reported, e.Recomputed)
}

// InconsistentScoreError reports a submission whose scores contradict each
// other, such as a positive skill score without outperforming the reference.
type InconsistentScoreError struct {
	MinerID  uint64
	MarketID uint64
	Detail   string
}

func (e *InconsistentScoreError) Error() string {
	return fmt.Sprintf("miner %d market %d: %s", e.MinerID, e.MarketID, e.Detail)
}

// AccumulatorDriftError reports a checkpoint convenience mean diverging from
// the mean derived from its accumulator pair.
type AccumulatorDriftError struct {
	MinerID   uint64
	Metric    string
	Reported  float64
	Derived   float64
	Tolerance float64
}

func (e *AccumulatorDriftError) Error() string {
	return fmt.Sprintf("miner %d metric %s: reported mean %.6f, derived %.6f, tolerance %.6f",
		e.MinerID, e.Metric, e.Reported, e.Derived, e.Tolerance)
}

// Report collects the outcome of one verification pass. Anomalies are
// recorded and surfaced, never silently dropped; whether they block anything
// is the runtime's call.
type Report struct {
	Checked   int
	Anomalies []error
}

func (r *Report) add(err error) {
	r.Anomalies = append(r.Anomalies, err)
	anomaliesFound.Inc()
}

// Verifier spot-checks the checkable fraction of exported windows. It can
// only ever catch inconsistencies in what the primary publishes; the
// unredacted feed itself stays out of reach.
type Verifier struct {
	driftTolerance float64
	logger         log.Logger
}

func NewVerifier(driftTolerance float64, logger log.Logger) *Verifier {
	if driftTolerance <= 0 {
		driftTolerance = DefaultDriftTolerance
	}
	return &Verifier{driftTolerance: driftTolerance, logger: logger}
}

// brierScore is the squared error of an implied probability against a binary
// outcome.
func brierScore(prob float64, won bool) float64 {
	y := 0.0
	if won {
		y = 1
	}
	return (prob - y) * (prob - y)
}

// VerifyDelta recomputes every checkable score in a delta against the public
// outcomes it carries.
//
// Checked per submission: the Brier score from the implied probability and
// the settled result, and the sign consistency of the skill score, which may
// be positive only when the miner beat the reference price.
func (v *Verifier) VerifyDelta(d *ledger.Delta) *Report {
	report := &Report{}

	outcomes := make(map[uint64]ledger.Outcome, len(d.SettledOutcomes))
	for _, o := range d.SettledOutcomes {
		outcomes[o.MarketID] = o
	}

	for _, sub := range d.SettledSubmissions {
		outcome, ok := outcomes[sub.MarketID]
		if !ok {
			continue // outcome settled in an earlier window
		}
		won := sub.Side == outcome.Result
		report.Checked++

		if sub.Brier != nil {
			recomputed := brierScore(sub.ImpProb, won)
			if math.Abs(*sub.Brier-recomputed) > brierTolerance {
				report.add(&ScoreMismatchError{
					MinerID:    sub.MinerID,
					MarketID:   sub.MarketID,
					Reported:   *sub.Brier,
					Recomputed: recomputed,
				})
			}
		}

		if sub.PSS != nil && *sub.PSS > 0 {
			minerBrier := brierScore(sub.ImpProb, won)
			refBrier := brierScore(sub.RefProb, won)
			if minerBrier >= refBrier {
				report.add(&InconsistentScoreError{
					MinerID:  sub.MinerID,
					MarketID: sub.MarketID,
					Detail: fmt.Sprintf("positive skill score %.6f but brier %.6f not better than reference %.6f",
						*sub.PSS, minerBrier, refBrier),
				})
			}
		}
	}

	if len(report.Anomalies) > 0 {
		v.logger.Warn("[verifier] delta anomalies", "checked", report.Checked, "anomalies", len(report.Anomalies))
	}
	return report
}

// VerifyCheckpoint checks that every convenience mean in a checkpoint matches
// the mean derived from its own accumulator pair, within tolerance. Empty
// accumulators must carry the documented fallback instead.
func (v *Verifier) VerifyCheckpoint(cp *ledger.Checkpoint) *Report {
	report := &Report{}

	for _, e := range cp.Accumulators {
		derived := e
		derived.DeriveMeans()
		report.Checked++

		checks := []struct {
			metric            string
			reported, derived float64
		}{
			{"brier", e.BrierMean, derived.BrierMean},
			{"fq", e.FQRaw, derived.FQRaw},
			{"pss", e.PSSMean, derived.PSSMean},
			{"es", e.ESAdj, derived.ESAdj},
			{"mes", e.MESMean, derived.MESMean},
			{"sos", e.SOSScore, derived.SOSScore},
			{"lead", e.LeadScore, derived.LeadScore},
		}
		for _, c := range checks {
			if math.Abs(c.reported-c.derived) > v.driftTolerance {
				report.add(&AccumulatorDriftError{
					MinerID:   e.MinerID,
					Metric:    c.metric,
					Reported:  c.reported,
					Derived:   c.derived,
					Tolerance: v.driftTolerance,
				})
			}
		}
	}

	if len(report.Anomalies) > 0 {
		v.logger.Warn("[verifier] checkpoint anomalies", "checked", report.Checked, "anomalies", len(report.Anomalies))
	}
	return report
}

// VerifyDrift cross-checks a fresh checkpoint of the same epoch against the
// locally replayed accumulators. Divergence means the primary rewrote history
// inside an epoch, which a recompute record should have announced.
func (v *Verifier) VerifyDrift(local []ledger.AccumulatorEntry, cp *ledger.Checkpoint) *Report {
	report := &Report{}

	byMiner := make(map[uint64]ledger.AccumulatorEntry, len(local))
	for _, e := range local {
		byMiner[e.MinerID] = e
	}

	for _, incoming := range cp.Accumulators {
		mine, ok := byMiner[incoming.MinerID]
		if !ok || mine.Brier.WT == 0 {
			continue // no local history to compare against
		}
		report.Checked++
		incoming.DeriveMeans()
		mine.DeriveMeans()
		if math.Abs(incoming.BrierMean-mine.BrierMean) > v.driftTolerance {
			report.add(&AccumulatorDriftError{
				MinerID:   incoming.MinerID,
				Metric:    "brier_replayed",
				Reported:  incoming.BrierMean,
				Derived:   mine.BrierMean,
				Tolerance: v.driftTolerance,
			})
		}
	}

	if len(report.Anomalies) > 0 {
		v.logger.Warn("[verifier] replay drift", "checked", report.Checked, "anomalies", len(report.Anomalies))
	}
	return report
}
