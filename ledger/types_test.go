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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validRecord() *RecomputeRecord {
	return &RecomputeRecord{
		Epoch:           6,
		PreviousEpoch:   5,
		ReasonCode:      ReasonFeedError,
		ReasonDetail:    "provider corrected closing lines for 2026-08-20",
		AffectedItemIDs: []uint64{101, 102},
		Severity:        SeverityCorrection,
		Timestamp:       time.Now().UTC(),
		SourceCommit:    "3f1c2ab",
	}
}

func TestRecomputeRecordValidate(t *testing.T) {
	require.NoError(t, validRecord().Validate())

	tests := []struct {
		name   string
		mutate func(r *RecomputeRecord)
	}{
		{"unknown reason", func(r *RecomputeRecord) { r.ReasonCode = "COSMIC_RAYS" }},
		{"empty detail", func(r *RecomputeRecord) { r.ReasonDetail = "" }},
		{"unknown severity", func(r *RecomputeRecord) { r.Severity = "catastrophe" }},
		{"epoch does not advance", func(r *RecomputeRecord) { r.Epoch = r.PreviousEpoch }},
		{"epoch regresses", func(r *RecomputeRecord) { r.Epoch, r.PreviousEpoch = 4, 5 }},
		{"empty affected set", func(r *RecomputeRecord) { r.AffectedItemIDs = nil }},
		{"empty source commit", func(r *RecomputeRecord) { r.SourceCommit = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(r)
			require.ErrorIs(t, r.Validate(), ErrMalformedRecord)
		})
	}
}

func TestRecomputeRecordNilValidate(t *testing.T) {
	var r *RecomputeRecord
	require.ErrorIs(t, r.Validate(), ErrMalformedRecord)
}

func TestRecomputeRecordBugfixAllowsEmptyAffectedSet(t *testing.T) {
	r := validRecord()
	r.Severity = SeverityBugfix
	r.AffectedItemIDs = nil
	require.NoError(t, r.Validate())
}

func TestMetricsFromEntryIgnoresConvenienceFields(t *testing.T) {
	e := AccumulatorEntry{UID: 1, PubKey: "ab"}
	e.Brier = e.Brier.Add(0.09, 1)
	// A lying convenience field must not survive into the metrics.
	e.BrierMean = 0.99

	m := MetricsFromEntry(e)
	require.InDelta(t, 0.09, m.BrierMean, 1e-12)
	require.Equal(t, 0.5, m.MESMean)
}
