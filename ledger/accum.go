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

package ledger

// MetricAccumulator is a (weighted_sum, weight_sum) pair for a single metric.
// The derived mean is WS/WT. Merge is associative and commutative, so replay
// order within an epoch does not affect the result.
type MetricAccumulator struct {
	WS float64 `json:"ws"`
	WT float64 `json:"wt"`
}

// Merge returns the combination of two accumulators for the same metric.
func (a MetricAccumulator) Merge(b MetricAccumulator) MetricAccumulator {
	return MetricAccumulator{WS: a.WS + b.WS, WT: a.WT + b.WT}
}

// Add folds a single weighted observation into the accumulator.
func (a MetricAccumulator) Add(value, weight float64) MetricAccumulator {
	return MetricAccumulator{WS: a.WS + value*weight, WT: a.WT + weight}
}

// Mean returns WS/WT. The second return is false when WT == 0, which means
// "no data yet" rather than an error; callers must check it before using the
// mean.
func (a MetricAccumulator) Mean() (float64, bool) {
	if a.WT == 0 {
		return 0, false
	}
	return a.WS / a.WT, true
}

// MeanOr returns the derived mean, or fallback when the accumulator is empty.
func (a MetricAccumulator) MeanOr(fallback float64) float64 {
	if m, ok := a.Mean(); ok {
		return m
	}
	return fallback
}

// AccumulatorEntry is the per-miner accumulator state carried in a checkpoint.
//
// It holds (ws, wt) pairs for each tracked metric plus derived means. The
// means are a convenience for weight computation; auditors verify that each
// one matches ws/wt (or the documented fallback when wt == 0). CalScore and
// SharpScore have no accumulator pair: they are attested by the primary and
// carried through as-is.
type AccumulatorEntry struct {
	MinerID      uint64 `json:"miner_id"`
	UID          uint64 `json:"uid"`
	PubKey       string `json:"pubkey"`
	NSubmissions uint64 `json:"n_submissions"`
	NOutcomes    uint64 `json:"n_outcomes"`

	Brier MetricAccumulator `json:"brier"`
	FQ    MetricAccumulator `json:"fq"`
	PSS   MetricAccumulator `json:"pss"`
	ES    MetricAccumulator `json:"es"`
	MES   MetricAccumulator `json:"mes"`
	SOS   MetricAccumulator `json:"sos"`
	Lead  MetricAccumulator `json:"lead"`

	BrierMean  float64 `json:"brier_mean"`
	FQRaw      float64 `json:"fq_raw"`
	PSSMean    float64 `json:"pss_mean"`
	ESAdj      float64 `json:"es_adj"`
	MESMean    float64 `json:"mes_mean"`
	SOSScore   float64 `json:"sos_score"`
	LeadScore  float64 `json:"lead_score"`
	CalScore   float64 `json:"cal_score"`
	SharpScore float64 `json:"sharp_score"`
}

// DeriveMeans recomputes the derived mean fields from the accumulator pairs.
// Empty accumulators fall back to 0 for outcome metrics and 0.5 for
// mes/sos/lead, matching the primary's scoring defaults. CalScore and
// SharpScore are untouched; they have no pair to derive from.
func (e *AccumulatorEntry) DeriveMeans() {
	e.BrierMean = e.Brier.MeanOr(0)
	e.FQRaw = e.FQ.MeanOr(0)
	e.PSSMean = e.PSS.MeanOr(0)
	e.ESAdj = e.ES.MeanOr(0)
	e.MESMean = e.MES.MeanOr(0.5)
	e.SOSScore = e.SOS.MeanOr(0.5)
	e.LeadScore = e.Lead.MeanOr(0.5)
}

// MergeEntry combines two accumulator entries for the same miner. Metric pairs
// are merged component-wise and counters summed; derived means are refreshed.
func MergeEntry(a, b AccumulatorEntry) AccumulatorEntry {
	out := a
	out.NSubmissions += b.NSubmissions
	out.NOutcomes += b.NOutcomes
	out.Brier = a.Brier.Merge(b.Brier)
	out.FQ = a.FQ.Merge(b.FQ)
	out.PSS = a.PSS.Merge(b.PSS)
	out.ES = a.ES.Merge(b.ES)
	out.MES = a.MES.Merge(b.MES)
	out.SOS = a.SOS.Merge(b.SOS)
	out.Lead = a.Lead.Merge(b.Lead)
	out.DeriveMeans()
	return out
}
