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
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/veriledger/veriledger/ledger"
)

func TestBrierScore(t *testing.T) {
	// A 0.7 claim on a market that settled in its favor scores 0.09.
	require.InDelta(t, 0.09, brierScore(0.7, true), 1e-12)
	require.InDelta(t, 0.49, brierScore(0.7, false), 1e-12)
	require.Zero(t, brierScore(1, true))
}

func deltaWith(sub ledger.SettledSubmission, out ledger.Outcome) *ledger.Delta {
	return &ledger.Delta{
		Manifest:           ledger.Manifest{Epoch: 1, WindowType: ledger.WindowTypeDelta},
		SettledSubmissions: []ledger.SettledSubmission{sub},
		SettledOutcomes:    []ledger.Outcome{out},
	}
}

func TestVerifyDeltaAcceptsConsistentScores(t *testing.T) {
	v := NewVerifier(0, log.New())
	brier := 0.09
	pss := 0.07

	report := v.VerifyDelta(deltaWith(
		ledger.SettledSubmission{
			MinerID: 1, MarketID: 55, Side: "home", ImpProb: 0.7, RefProb: 0.6,
			Brier: &brier, PSS: &pss, SettledAt: time.Now().UTC(),
		},
		ledger.Outcome{MarketID: 55, Result: "home", SettledAt: time.Now().UTC()},
	))
	require.Equal(t, 1, report.Checked)
	require.Empty(t, report.Anomalies)
}

func TestVerifyDeltaCatchesBrierMismatch(t *testing.T) {
	v := NewVerifier(0, log.New())
	lying := 0.01 // true value for 0.7 on a won market is 0.09

	report := v.VerifyDelta(deltaWith(
		ledger.SettledSubmission{
			MinerID: 1, MarketID: 55, Side: "home", ImpProb: 0.7, RefProb: 0.6,
			Brier: &lying, SettledAt: time.Now().UTC(),
		},
		ledger.Outcome{MarketID: 55, Result: "home", SettledAt: time.Now().UTC()},
	))
	require.Len(t, report.Anomalies, 1)
	var mismatch *ScoreMismatchError
	require.ErrorAs(t, report.Anomalies[0], &mismatch)
	require.InDelta(t, 0.09, mismatch.Recomputed, 1e-12)
}

func TestVerifyDeltaCatchesInconsistentSkillScore(t *testing.T) {
	v := NewVerifier(0, log.New())
	brier := brierScore(0.55, true)
	pss := 0.05 // positive, but 0.55 is worse than the 0.6 reference on a win

	report := v.VerifyDelta(deltaWith(
		ledger.SettledSubmission{
			MinerID: 1, MarketID: 55, Side: "home", ImpProb: 0.55, RefProb: 0.6,
			Brier: &brier, PSS: &pss, SettledAt: time.Now().UTC(),
		},
		ledger.Outcome{MarketID: 55, Result: "home", SettledAt: time.Now().UTC()},
	))
	require.Len(t, report.Anomalies, 1)
	var inconsistent *InconsistentScoreError
	require.ErrorAs(t, report.Anomalies[0], &inconsistent)
}

func TestVerifyDeltaSkipsUnmatchedOutcomes(t *testing.T) {
	v := NewVerifier(0, log.New())
	brier := 0.09

	report := v.VerifyDelta(deltaWith(
		ledger.SettledSubmission{
			MinerID: 1, MarketID: 55, Side: "home", ImpProb: 0.7,
			Brier: &brier, SettledAt: time.Now().UTC(),
		},
		ledger.Outcome{MarketID: 99, Result: "home", SettledAt: time.Now().UTC()},
	))
	require.Zero(t, report.Checked)
	require.Empty(t, report.Anomalies)
}

func TestVerifyCheckpointCatchesLyingMeans(t *testing.T) {
	v := NewVerifier(0, log.New())

	honest := ledger.AccumulatorEntry{MinerID: 1, UID: 1}
	honest.Brier = honest.Brier.Add(0.09, 1)
	honest.DeriveMeans()

	liar := ledger.AccumulatorEntry{MinerID: 2, UID: 2}
	liar.Brier = liar.Brier.Add(0.25, 1)
	liar.DeriveMeans()
	liar.BrierMean = 0.01 // far better than ws/wt supports

	report := v.VerifyCheckpoint(&ledger.Checkpoint{
		Accumulators: []ledger.AccumulatorEntry{honest, liar},
	})
	require.Equal(t, 2, report.Checked)
	require.Len(t, report.Anomalies, 1)
	var drift *AccumulatorDriftError
	require.ErrorAs(t, report.Anomalies[0], &drift)
	require.Equal(t, uint64(2), drift.MinerID)
	require.Equal(t, "brier", drift.Metric)
}

func TestVerifyDriftAgainstLocalReplay(t *testing.T) {
	v := NewVerifier(0, log.New())

	local := ledger.AccumulatorEntry{MinerID: 1, UID: 1}
	local.Brier = local.Brier.Add(0.09, 1).Add(0.16, 1)
	local.DeriveMeans()

	// The incoming checkpoint rewrote history without bumping the epoch.
	rewritten := ledger.AccumulatorEntry{MinerID: 1, UID: 1}
	rewritten.Brier = rewritten.Brier.Add(0.01, 2)
	rewritten.DeriveMeans()

	report := v.VerifyDrift([]ledger.AccumulatorEntry{local}, &ledger.Checkpoint{
		Accumulators: []ledger.AccumulatorEntry{rewritten},
	})
	require.Equal(t, 1, report.Checked)
	require.Len(t, report.Anomalies, 1)
}

func TestVerifyDriftToleratesSmallNoise(t *testing.T) {
	v := NewVerifier(0.05, log.New())

	local := ledger.AccumulatorEntry{MinerID: 1, UID: 1}
	local.Brier = local.Brier.Add(0.10, 1)
	local.DeriveMeans()

	nearby := ledger.AccumulatorEntry{MinerID: 1, UID: 1}
	nearby.Brier = nearby.Brier.Add(0.12, 1)
	nearby.DeriveMeans()

	report := v.VerifyDrift([]ledger.AccumulatorEntry{local}, &ledger.Checkpoint{
		Accumulators: []ledger.AccumulatorEntry{nearby},
	})
	require.Empty(t, report.Anomalies)
}
