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

// DataTier classifies data sensitivity. Tier-3 fields must never be placed in
// any checkpoint or delta payload; the allow-lists below are the hard
// boundary, not a filter applied after the fact.
type DataTier string

const (
	TierPublic         DataTier = "public"
	TierValidatorGated DataTier = "validator_gated"
	TierPrimaryOnly    DataTier = "primary_only"
)

// SafeSubmissionFields lists the only settled-submission fields eligible for
// export. Closing lines, unsettled submissions and raw feed values are
// Tier-3 and have no entry here.
var SafeSubmissionFields = map[string]struct{}{
	"miner_id":   {},
	"market_id":  {},
	"side":       {},
	"imp_prob":   {},
	"ref_prob":   {},
	"brier":      {},
	"pss":        {},
	"settled_at": {},
}

// SafeOutcomeFields lists the exportable public outcome fields.
var SafeOutcomeFields = map[string]struct{}{
	"market_id":  {},
	"event_id":   {},
	"result":     {},
	"score_home": {},
	"score_away": {},
	"settled_at": {},
}

// Redact drops every field of a raw record that is not explicitly
// allow-listed. Unknown fields are removed, never passed through.
func Redact(record map[string]any, allowed map[string]struct{}) map[string]any {
	out := make(map[string]any, len(allowed))
	for k, v := range record {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}
