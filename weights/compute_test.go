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

package weights

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veriledger/veriledger/ledger"
)

func testParams() ledger.ChainParams {
	burn := uint64(0)
	return ledger.ChainParams{
		BurnUID:           &burn,
		MaxWeightLimit:    1.0,
		MinAllowedWeights: 1,
		NNeurons:          32,
	}
}

func testMetrics(n int) []ledger.MinerMetrics {
	rnd := rand.New(rand.NewSource(42))
	ms := make([]ledger.MinerMetrics, n)
	for i := range ms {
		ms[i] = ledger.MinerMetrics{
			UID:       uint64(i + 1),
			FQRaw:     rnd.Float64()*2 - 1,
			PSSMean:   rnd.Float64()*0.2 - 0.1,
			ESAdj:     rnd.Float64() * 0.1,
			MESMean:   rnd.Float64(),
			CalScore:  rnd.Float64(),
			SOSScore:  rnd.Float64(),
			LeadScore: rnd.Float64(),
		}
	}
	return ms
}

func weightSum(ws []uint16) int {
	var sum int
	for _, w := range ws {
		sum += int(w)
	}
	return sum
}

func TestComputeSumsToU16Max(t *testing.T) {
	result, err := Compute(testMetrics(12), ledger.DefaultScoringConfig(), testParams())
	require.NoError(t, err)
	require.NotEmpty(t, result.Weights)
	require.Equal(t, U16Max, weightSum(result.Weights))
}

func TestComputeDeterministicAcrossInputOrder(t *testing.T) {
	ms := testMetrics(12)
	cfg := ledger.DefaultScoringConfig()
	params := testParams()

	a, err := Compute(ms, cfg, params)
	require.NoError(t, err)

	reversed := make([]ledger.MinerMetrics, len(ms))
	for i, m := range ms {
		reversed[len(ms)-1-i] = m
	}
	b, err := Compute(reversed, cfg, params)
	require.NoError(t, err)

	require.Equal(t, a.UIDs, b.UIDs)
	require.Equal(t, a.Weights, b.Weights)
	require.Equal(t, a.SkillScores, b.SkillScores)
}

func TestComputeBurnRate(t *testing.T) {
	result, err := Compute(testMetrics(12), ledger.DefaultScoringConfig(), testParams())
	require.NoError(t, err)

	var burnWeight uint16
	for i, uid := range result.UIDs {
		if uid == 0 {
			burnWeight = result.Weights[i]
		}
	}
	// Burn rate 0.9 puts ~90% of the quantized total on the burn UID.
	require.InDelta(t, 0.9*U16Max, float64(burnWeight), 2)
}

func TestComputeEmptyMetricsAllToBurn(t *testing.T) {
	result, err := Compute(nil, ledger.DefaultScoringConfig(), testParams())
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, result.UIDs)
	require.Equal(t, []uint16{U16Max}, result.Weights)
}

func TestComputeInvalidNeuronCount(t *testing.T) {
	params := testParams()
	params.NNeurons = 0
	_, err := Compute(testMetrics(3), ledger.DefaultScoringConfig(), params)
	require.Error(t, err)
}

func TestComputeUnknownStrategy(t *testing.T) {
	cfg := ledger.DefaultScoringConfig()
	cfg.Normalization.Strategy = "minmax"
	_, err := Compute(testMetrics(3), cfg, testParams())
	require.Error(t, err)
}

func TestClampMaxWeight(t *testing.T) {
	out := clampMaxWeight([]float64{0.8, 0.1, 0.1}, 0.5)

	var sum float64
	for _, v := range out {
		sum += v
	}
	require.InDelta(t, 1.0, sum, 1e-9)
	for _, v := range out {
		require.LessOrEqual(t, v, 0.5+1e-6)
	}
	// Relative order of the untouched entries survives.
	require.InDelta(t, out[1], out[2], 1e-12)
	require.Greater(t, out[0], out[1])
}

func TestClampMaxWeightNoopBelowLimit(t *testing.T) {
	out := clampMaxWeight([]float64{0.4, 0.3, 0.3}, 0.5)
	require.InDelta(t, 0.4, out[0], 1e-9)
	require.InDelta(t, 0.3, out[1], 1e-9)
}

func TestClampMaxWeightInfeasibleLimit(t *testing.T) {
	// n*limit <= 1 leaves no room for any shape but uniform.
	out := clampMaxWeight([]float64{0.9, 0.1}, 0.5)
	require.Equal(t, []float64{0.5, 0.5}, out)
}

func TestQuantizeLargestRemainder(t *testing.T) {
	uids, ws := quantize([]uint64{1, 2, 3}, []float64{0.5, 0.25, 0.25})
	require.Equal(t, []uint64{1, 2, 3}, uids)
	require.Equal(t, []uint16{32767, 16384, 16384}, ws)
	require.Equal(t, U16Max, weightSum(ws))
}

func TestQuantizeDropsZeroEntries(t *testing.T) {
	uids, ws := quantize([]uint64{1, 2}, []float64{1, 0})
	require.Equal(t, []uint64{1}, uids)
	require.Equal(t, []uint16{U16Max}, ws)
}

func TestResultVector(t *testing.T) {
	r := &Result{UIDs: []uint64{0, 3}, Weights: []uint16{100, 200}}
	v := r.Vector(5)
	require.Equal(t, []float64{100, 0, 0, 200, 0}, v)
}
