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

// Package ledger defines the scoring-ledger data model shared by the primary
// and auditors: accumulator state, signed checkpoint and delta windows, the
// recompute record attached to epoch bumps, and the codec that turns windows
// into signed compressed blobs.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is bumped on breaking changes to the ledger format.
const SchemaVersion = 1

const (
	WindowTypeCheckpoint = "checkpoint"
	WindowTypeDelta      = "delta"
)

// RecomputeReason is a standardized reason code for an epoch bump.
type RecomputeReason string

const (
	ReasonFeedError              RecomputeReason = "FEED_ERROR"
	ReasonFeedOutage             RecomputeReason = "FEED_OUTAGE"
	ReasonScoringBug             RecomputeReason = "SCORING_BUG"
	ReasonDBCorruption           RecomputeReason = "DB_CORRUPTION"
	ReasonDBMigration            RecomputeReason = "DB_MIGRATION"
	ReasonConfigChange           RecomputeReason = "CONFIG_CHANGE"
	ReasonManualCorrection       RecomputeReason = "MANUAL_CORRECTION"
	ReasonScheduledRecalibration RecomputeReason = "SCHEDULED_RECALIBRATION"
)

var knownReasons = map[RecomputeReason]struct{}{
	ReasonFeedError:              {},
	ReasonFeedOutage:             {},
	ReasonScoringBug:             {},
	ReasonDBCorruption:           {},
	ReasonDBMigration:            {},
	ReasonConfigChange:           {},
	ReasonManualCorrection:       {},
	ReasonScheduledRecalibration: {},
}

// Severity classifies the impact of a recompute event.
type Severity string

const (
	SeverityCorrection Severity = "correction"
	SeverityBugfix     Severity = "bugfix"
	SeverityRecovery   Severity = "recovery"
)

var ErrMalformedRecord = errors.New("malformed recompute record")

// RecomputeRecord is the structured justification attached to a checkpoint
// whose epoch increased. Auditors refuse epoch bumps that arrive without a
// well-formed record.
type RecomputeRecord struct {
	Epoch           uint64          `json:"epoch"`
	PreviousEpoch   uint64          `json:"previous_epoch"`
	ReasonCode      RecomputeReason `json:"reason_code"`
	ReasonDetail    string          `json:"reason_detail"`
	AffectedItemIDs []uint64        `json:"affected_item_ids"`
	Severity        Severity        `json:"severity"`
	Timestamp       time.Time       `json:"timestamp"`
	SourceCommit    string          `json:"source_commit"`
}

// Validate checks the record against the schema. The affected-item set may be
// empty only for a pure bugfix with no data impact.
func (r *RecomputeRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: missing record", ErrMalformedRecord)
	}
	if _, ok := knownReasons[r.ReasonCode]; !ok {
		return fmt.Errorf("%w: unknown reason code %q", ErrMalformedRecord, r.ReasonCode)
	}
	if r.ReasonDetail == "" {
		return fmt.Errorf("%w: empty reason detail", ErrMalformedRecord)
	}
	switch r.Severity {
	case SeverityCorrection, SeverityBugfix, SeverityRecovery:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrMalformedRecord, r.Severity)
	}
	if r.Epoch <= r.PreviousEpoch {
		return fmt.Errorf("%w: epoch %d does not advance %d", ErrMalformedRecord, r.Epoch, r.PreviousEpoch)
	}
	if len(r.AffectedItemIDs) == 0 && r.Severity != SeverityBugfix {
		return fmt.Errorf("%w: empty affected set for severity %q", ErrMalformedRecord, r.Severity)
	}
	if r.SourceCommit == "" {
		return fmt.Errorf("%w: empty source commit", ErrMalformedRecord)
	}
	return nil
}

// Manifest is the signed header of a ledger window. The signature covers the
// canonical encoding of the manifest with the signature field cleared, and
// the content hashes bind the payload sections.
type Manifest struct {
	SchemaVersion uint32            `json:"schema_version"`
	WindowType    string            `json:"window_type"`
	WindowStart   time.Time         `json:"window_start"`
	WindowEnd     time.Time         `json:"window_end"`
	Epoch         uint64            `json:"epoch"`
	ContentHashes map[string]string `json:"content_hashes"`
	PrimaryKey    string            `json:"primary_key"`
	CreatedAt     time.Time         `json:"created_at"`
	Signature     string            `json:"signature"`
	Recompute     *RecomputeRecord  `json:"recompute_record,omitempty"`
}

// RosterEntry is miner metadata carried in a checkpoint.
type RosterEntry struct {
	MinerID uint64 `json:"miner_id"`
	UID     uint64 `json:"uid"`
	PubKey  string `json:"pubkey"`
	Active  bool   `json:"active"`
}

// DimensionWeights combines normalized metrics into named dimensions.
type DimensionWeights struct {
	WFQ   float64 `json:"w_fq"`
	WCal  float64 `json:"w_cal"`
	WEdge float64 `json:"w_edge"`
	WMES  float64 `json:"w_mes"`
	WSOS  float64 `json:"w_sos"`
	WLead float64 `json:"w_lead"`
}

// ScoreWeights combines dimensions into the final scalar score.
type ScoreWeights struct {
	WOutcomeAccuracy float64 `json:"w_outcome_accuracy"`
	WOutcomeRelative float64 `json:"w_outcome_relative"`
	WOddsEdge        float64 `json:"w_odds_edge"`
	WInfoAdv         float64 `json:"w_info_adv"`
}

// NormalizationConfig selects the cross-population normalization strategy.
type NormalizationConfig struct {
	// Strategy is "zscore_logistic" or "percentile". The zscore strategy
	// additionally falls back to percentile below MinCountForZScore.
	Strategy          string `json:"strategy"`
	MinCountForZScore int    `json:"min_count_for_zscore"`
}

// EmissionConfig holds the weight emission knobs.
type EmissionConfig struct {
	BurnRate float64 `json:"burn_rate"`
}

// ScoringConfig is the scoring parameter snapshot embedded in a checkpoint so
// auditors reproduce weights with the exact same hyperparameters.
type ScoringConfig struct {
	DimensionWeights DimensionWeights    `json:"dimension_weights"`
	ScoreWeights     ScoreWeights        `json:"skill_score_weights"`
	Normalization    NormalizationConfig `json:"normalization"`
	Emission         EmissionConfig      `json:"weight_emission"`
}

// DefaultScoringConfig returns the production scoring parameters.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		DimensionWeights: DimensionWeights{
			WFQ: 0.6, WCal: 0.4,
			WEdge: 0.7, WMES: 0.3,
			WSOS: 0.6, WLead: 0.4,
		},
		ScoreWeights: ScoreWeights{
			WOutcomeAccuracy: 0.10,
			WOutcomeRelative: 0.10,
			WOddsEdge:        0.50,
			WInfoAdv:         0.30,
		},
		Normalization: NormalizationConfig{
			Strategy:          "zscore_logistic",
			MinCountForZScore: 10,
		},
		Emission: EmissionConfig{BurnRate: 0.9},
	}
}

// ChainParams is the chain parameter snapshot used for weight computation.
type ChainParams struct {
	BurnUID           *uint64 `json:"burn_uid,omitempty"`
	MaxWeightLimit    float64 `json:"max_weight_limit"`
	MinAllowedWeights int     `json:"min_allowed_weights"`
	NNeurons          int     `json:"n_neurons"`
}

// Checkpoint is a full, recomputable snapshot of per-miner accumulator state
// as of a point in time. The epoch increments only on a recompute event.
type Checkpoint struct {
	Manifest      Manifest           `json:"manifest"`
	Roster        []RosterEntry      `json:"roster"`
	Accumulators  []AccumulatorEntry `json:"accumulators"`
	ScoringConfig ScoringConfig      `json:"scoring_config"`
	ChainParams   *ChainParams       `json:"chain_params,omitempty"`
}

// Sections returns the hashable payload sections bound by the manifest.
func (c *Checkpoint) Sections() map[string]any {
	s := map[string]any{
		"roster":         c.Roster,
		"accumulators":   c.Accumulators,
		"scoring_config": c.ScoringConfig,
	}
	if c.ChainParams != nil {
		s["chain_params"] = c.ChainParams
	}
	return s
}

// SettledSubmission is a per-submission outcome score in a delta. Only
// settled markets ever appear: exporting open positions would leak the paid
// feed and enable copy trading.
type SettledSubmission struct {
	MinerID   uint64    `json:"miner_id"`
	MarketID  uint64    `json:"market_id"`
	Side      string    `json:"side"`
	ImpProb   float64   `json:"imp_prob"`
	RefProb   float64   `json:"ref_prob"`
	Brier     *float64  `json:"brier,omitempty"`
	PSS       *float64  `json:"pss,omitempty"`
	SettledAt time.Time `json:"settled_at"`
}

// Outcome is the public result of a settled market.
type Outcome struct {
	MarketID  uint64    `json:"market_id"`
	EventID   uint64    `json:"event_id"`
	Result    string    `json:"result"`
	ScoreHome *float64  `json:"score_home,omitempty"`
	ScoreAway *float64  `json:"score_away,omitempty"`
	SettledAt time.Time `json:"settled_at"`
}

// Delta is an incremental batch of settled-item scores since the previous
// export window, ordered by settlement time.
type Delta struct {
	Manifest           Manifest            `json:"manifest"`
	SettledSubmissions []SettledSubmission `json:"settled_submissions"`
	SettledOutcomes    []Outcome           `json:"settled_outcomes"`
}

// Sections returns the hashable payload sections bound by the manifest.
func (d *Delta) Sections() map[string]any {
	return map[string]any{
		"settled_submissions": d.SettledSubmissions,
		"settled_outcomes":    d.SettledOutcomes,
	}
}

// MinerMetrics is the input to weight computation: derived rolling means per
// miner. The primary reads them from its scoring store; auditors derive them
// from checkpoint accumulators. Both paths must produce identical values.
type MinerMetrics struct {
	UID        uint64  `json:"uid"`
	PubKey     string  `json:"pubkey"`
	FQRaw      float64 `json:"fq_raw"`
	PSSMean    float64 `json:"pss_mean"`
	ESAdj      float64 `json:"es_adj"`
	MESMean    float64 `json:"mes_mean"`
	CalScore   float64 `json:"cal_score"`
	SharpScore float64 `json:"sharp_score"`
	SOSScore   float64 `json:"sos_score"`
	LeadScore  float64 `json:"lead_score"`
	BrierMean  float64 `json:"brier_mean"`
}

// MetricsFromEntry builds MinerMetrics from an accumulator entry, the auditor
// path. Pair-backed means are re-derived from (ws, wt), never trusted from the
// checkpoint's convenience fields; CalScore and SharpScore carry no pair and
// pass through as attested.
func MetricsFromEntry(e AccumulatorEntry) MinerMetrics {
	e.DeriveMeans()
	return MinerMetrics{
		UID:        e.UID,
		PubKey:     e.PubKey,
		FQRaw:      e.FQRaw,
		PSSMean:    e.PSSMean,
		ESAdj:      e.ESAdj,
		MESMean:    e.MESMean,
		CalScore:   e.CalScore,
		SharpScore: e.SharpScore,
		SOSScore:   e.SOSScore,
		LeadScore:  e.LeadScore,
		BrierMean:  e.BrierMean,
	}
}
