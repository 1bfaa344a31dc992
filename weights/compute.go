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

// Package weights holds the deterministic weight computation shared by the
// primary and every auditor. Identical inputs must yield bit-identical
// outputs on every caller: no clock, no randomness, miners processed in
// ascending UID order at every order-sensitive step.
package weights

import (
	"fmt"
	"math"
	"sort"

	"github.com/veriledger/veriledger/ledger"
)

// U16Max is the quantization total: final weights are uint16 and always sum
// to exactly this value.
const U16Max = 65535

const clampEpsilon = 1e-7

// DimensionScores is the per-miner audit trail of intermediate dimensions.
type DimensionScores struct {
	Forecast float64 `json:"forecast_dim"`
	Skill    float64 `json:"skill_dim"`
	Econ     float64 `json:"econ_dim"`
	Info     float64 `json:"info_dim"`
}

// Result is the output of Compute with its full audit trail.
type Result struct {
	UIDs    []uint64 `json:"uids"`
	Weights []uint16 `json:"weights"`

	SkillScores map[uint64]float64         `json:"skill_scores"`
	RawWeights  map[uint64]float64         `json:"raw_weights"`
	Dimensions  map[uint64]DimensionScores `json:"dimension_scores"`
}

// Vector expands the quantized result into a dense float vector of length
// nNeurons, for similarity comparison against another node's output.
func (r *Result) Vector(nNeurons int) []float64 {
	v := make([]float64, nNeurons)
	for i, uid := range r.UIDs {
		if int(uid) < nNeurons {
			v[uid] = float64(r.Weights[i])
		}
	}
	return v
}

// Compute turns per-miner metrics into the final on-chain weight vector.
//
// Steps, in fixed order: normalize each metric across the population,
// combine into dimensions, combine dimensions into one scalar score, L1
// normalize, apply the burn rate, clamp to chain limits, and quantize to
// uint16 with largest-remainder rounding so the integer sum is exact.
func Compute(metrics []ledger.MinerMetrics, cfg ledger.ScoringConfig, params ledger.ChainParams) (*Result, error) {
	result := &Result{
		SkillScores: map[uint64]float64{},
		RawWeights:  map[uint64]float64{},
		Dimensions:  map[uint64]DimensionScores{},
	}
	if params.NNeurons <= 0 {
		return nil, fmt.Errorf("invalid neuron count %d", params.NNeurons)
	}

	if len(metrics) == 0 {
		// No miners: allocate everything to burn if available.
		if params.BurnUID != nil && int(*params.BurnUID) < params.NNeurons {
			result.UIDs = []uint64{*params.BurnUID}
			result.Weights = []uint16{U16Max}
		}
		return result, nil
	}

	sorted := make([]ledger.MinerMetrics, len(metrics))
	copy(sorted, metrics)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].UID < sorted[b].UID })

	n := len(sorted)
	fqRaw := make([]float64, n)
	pss := make([]float64, n)
	cal := make([]float64, n)
	esAdj := make([]float64, n)
	mes := make([]float64, n)
	sos := make([]float64, n)
	lead := make([]float64, n)
	for i, m := range sorted {
		fqRaw[i] = m.FQRaw
		pss[i] = m.PSSMean
		cal[i] = m.CalScore
		esAdj[i] = m.ESAdj
		mes[i] = m.MESMean
		sos[i] = m.SOSScore
		lead[i] = m.LeadScore
	}

	// Step 1: normalize. FQ maps [-1,1] onto [0,1]; PSS and ES go through the
	// configured strategy; the bounded market metrics just clip.
	norm, err := normalizer(cfg.Normalization, n)
	if err != nil {
		return nil, err
	}
	fqNorm := make([]float64, n)
	for i, x := range fqRaw {
		fqNorm[i] = math.Min(1, math.Max(0, (x+1)/2))
	}
	pssNorm := norm(pss)
	esNorm := norm(esAdj)
	calNorm := clip01(cal)
	mesNorm := clip01(mes)
	sosNorm := clip01(sos)
	leadNorm := clip01(lead)

	// Steps 2-3: dimensions, then the scalar skill score.
	dw, sw := cfg.DimensionWeights, cfg.ScoreWeights
	scores := make([]float64, params.NNeurons)
	for i, m := range sorted {
		forecast := dw.WFQ*fqNorm[i] + dw.WCal*calNorm[i]
		skill := pssNorm[i]
		econ := dw.WEdge*esNorm[i] + dw.WMES*mesNorm[i]
		info := dw.WSOS*sosNorm[i] + dw.WLead*leadNorm[i]

		score := sw.WOutcomeAccuracy*forecast +
			sw.WOutcomeRelative*skill +
			sw.WOddsEdge*econ +
			sw.WInfoAdv*info
		if math.IsNaN(score) {
			score = 0
		}

		result.SkillScores[m.UID] = score
		result.Dimensions[m.UID] = DimensionScores{Forecast: forecast, Skill: skill, Econ: econ, Info: info}
		if int(m.UID) < params.NNeurons {
			scores[m.UID] = score
		}
	}

	// Step 4: L1 normalize across the population.
	var l1 float64
	for _, s := range scores {
		l1 += math.Abs(s)
	}

	raw := make([]float64, params.NNeurons)
	if l1 == 0 || math.IsNaN(l1) {
		if params.BurnUID == nil || int(*params.BurnUID) >= params.NNeurons {
			return result, nil
		}
		raw[*params.BurnUID] = 1
	} else {
		for i, s := range scores {
			raw[i] = s / l1
		}
		// Step 5: reserve the burn fraction before redistributing the rest.
		if cfg.Emission.BurnRate > 0 && params.BurnUID != nil && int(*params.BurnUID) < params.NNeurons {
			for i := range raw {
				raw[i] *= 1 - cfg.Emission.BurnRate
			}
			raw[*params.BurnUID] = cfg.Emission.BurnRate
		}
	}

	for uid, w := range raw {
		if w > 0 {
			result.RawWeights[uint64(uid)] = w
		}
	}

	// Step 6: chain limits. Fewer nonzero weights than the chain minimum get
	// a uniform floor so the vector stays submittable.
	var nzUIDs []uint64
	var nzWeights []float64
	for uid, w := range raw {
		if w > 0 {
			nzUIDs = append(nzUIDs, uint64(uid))
			nzWeights = append(nzWeights, w)
		}
	}
	if len(nzWeights) == 0 {
		return result, nil
	}

	var processed []float64
	var processedUIDs []uint64
	if len(nzWeights) < params.MinAllowedWeights {
		padded := make([]float64, params.NNeurons)
		for i := range padded {
			padded[i] = 1e-5
		}
		for i, uid := range nzUIDs {
			padded[uid] += nzWeights[i]
		}
		processed = clampMaxWeight(padded, params.MaxWeightLimit)
		processedUIDs = make([]uint64, params.NNeurons)
		for i := range processedUIDs {
			processedUIDs[i] = uint64(i)
		}
	} else {
		processed = clampMaxWeight(nzWeights, params.MaxWeightLimit)
		processedUIDs = nzUIDs
	}

	// Step 7: quantize.
	result.UIDs, result.Weights = quantize(processedUIDs, processed)
	return result, nil
}

// clampMaxWeight renormalizes so the vector sums to 1 with no element above
// limit. The cutoff is found on the sorted distribution so every caller
// derives the same clamp point regardless of input order.
func clampMaxWeight(x []float64, limit float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	copy(out, x)

	var sum float64
	for _, v := range x {
		sum += v
	}
	if sum == 0 || float64(n)*limit <= 1 {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}

	values := make([]float64, n)
	copy(values, x)
	sort.Float64s(values)

	estimation := make([]float64, n)
	for i, v := range values {
		estimation[i] = v / sum
	}
	if estimation[n-1] <= limit {
		for i := range out {
			out[i] /= sum
		}
		return out
	}

	cumsum := make([]float64, n)
	var running float64
	for i, e := range estimation {
		running += e
		cumsum[i] = running
	}

	// Count entries that stay below the limit once everything above the
	// eventual cutoff is flattened onto it.
	nValues := 0
	for i, e := range estimation {
		tail := float64(n-i-1) * e
		if e/(tail+cumsum[i]+clampEpsilon) < limit {
			nValues++
		}
	}

	cutoffScale := (limit*cumsum[nValues-1] - clampEpsilon) / (1 - limit*float64(n-nValues))
	cutoff := cutoffScale * sum

	var clampedSum float64
	for i := range out {
		if out[i] > cutoff {
			out[i] = cutoff
		}
		clampedSum += out[i]
	}
	for i := range out {
		out[i] /= clampedSum
	}
	return out
}

// quantize converts float weights summing to ~1 into uint16 weights summing
// to exactly U16Max, using largest-remainder rounding. Ties and the residual
// distribution break on ascending UID, keeping the output canonical.
func quantize(uids []uint64, ws []float64) ([]uint64, []uint16) {
	type entry struct {
		uid  uint64
		base uint32
		rem  float64
	}

	var total float64
	for _, w := range ws {
		total += w
	}
	if total <= 0 {
		return nil, nil
	}

	entries := make([]entry, len(ws))
	var baseSum uint32
	for i, w := range ws {
		exact := w / total * U16Max
		base := math.Floor(exact)
		entries[i] = entry{uid: uids[i], base: uint32(base), rem: exact - base}
		baseSum += uint32(base)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].uid < entries[b].uid })

	// Hand the rounding deficit to the largest remainders.
	deficit := int(U16Max) - int(baseSum)
	if deficit > 0 {
		order := make([]int, len(entries))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return entries[order[a]].rem > entries[order[b]].rem
		})
		for i := 0; i < deficit && i < len(order); i++ {
			entries[order[i]].base++
		}
	}

	var outUIDs []uint64
	var outWeights []uint16
	for _, e := range entries {
		if e.base == 0 {
			continue
		}
		outUIDs = append(outUIDs, e.uid)
		outWeights = append(outWeights, uint16(e.base))
	}
	return outUIDs, outWeights
}
