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

package store

import (
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/veriledger/veriledger/ledger"
)

func validBump(from, to uint64) *ledger.RecomputeRecord {
	return &ledger.RecomputeRecord{
		Epoch:         to,
		PreviousEpoch: from,
		ReasonCode:    ledger.ReasonScoringBug,
		ReasonDetail:  "brier aggregation double counted pushes",
		Severity:      ledger.SeverityBugfix,
		Timestamp:     time.Now().UTC(),
		SourceCommit:  "9ac41e0",
	}
}

func TestExporterCheckpointSignedAndDecodable(t *testing.T) {
	st, err := NewFsStore(afero.NewMemMapFs(), "ledger")
	require.NoError(t, err)
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)

	e, err := NewExporter(DefaultExporterConfig(), testSource(), st, priv, log.New())
	require.NoError(t, err)
	require.NoError(t, e.ExportCheckpoint())

	blob, err := st.LatestCheckpoint()
	require.NoError(t, err)
	cp, err := ledger.NewCodec().DecodeCheckpoint(blob, e.PubKey())
	require.NoError(t, err)
	require.Equal(t, uint64(1), cp.Manifest.Epoch)
	require.Equal(t, ledger.DefaultScoringConfig(), cp.ScoringConfig)
	require.NotNil(t, cp.ChainParams)
}

func TestExporterSkipsEmptyDelta(t *testing.T) {
	st, err := NewFsStore(afero.NewMemMapFs(), "ledger")
	require.NoError(t, err)
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)

	e, err := NewExporter(DefaultExporterConfig(), testSource(), st, priv, log.New())
	require.NoError(t, err)
	require.NoError(t, e.ExportDelta())

	ids, err := st.ListDeltas(1, "")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestExporterDeltaWindowAdvances(t *testing.T) {
	st, err := NewFsStore(afero.NewMemMapFs(), "ledger")
	require.NoError(t, err)
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)

	src := testSource()
	e, err := NewExporter(DefaultExporterConfig(), src, st, priv, log.New())
	require.NoError(t, err)

	src.settle()
	require.NoError(t, e.ExportDelta())
	// The item was consumed by the first window and must not repeat.
	require.NoError(t, e.ExportDelta())

	ids, err := st.ListDeltas(1, "")
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestExporterBumpEpoch(t *testing.T) {
	st, err := NewFsStore(afero.NewMemMapFs(), "ledger")
	require.NoError(t, err)
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)

	e, err := NewExporter(DefaultExporterConfig(), testSource(), st, priv, log.New())
	require.NoError(t, err)

	require.ErrorIs(t, e.BumpEpoch(&ledger.RecomputeRecord{}), ledger.ErrMalformedRecord)
	require.ErrorIs(t, e.BumpEpoch(validBump(3, 4)), ledger.ErrMalformedRecord)
	require.Equal(t, uint64(1), e.Epoch())

	require.NoError(t, e.BumpEpoch(validBump(1, 2)))
	require.Equal(t, uint64(2), e.Epoch())

	// The bump immediately published a checkpoint carrying the record.
	blob, err := st.LatestCheckpoint()
	require.NoError(t, err)
	cp, err := ledger.NewCodec().DecodeCheckpoint(blob, e.PubKey())
	require.NoError(t, err)
	require.Equal(t, uint64(2), cp.Manifest.Epoch)
	require.NotNil(t, cp.Manifest.Recompute)
	require.Equal(t, ledger.ReasonScoringBug, cp.Manifest.Recompute.ReasonCode)
}

func TestExporterResumesState(t *testing.T) {
	fs := afero.NewMemMapFs()
	st, err := NewFsStore(fs, "ledger")
	require.NoError(t, err)
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)

	e, err := NewExporter(DefaultExporterConfig(), testSource(), st, priv, log.New())
	require.NoError(t, err)
	require.NoError(t, e.BumpEpoch(validBump(1, 2)))

	restarted, err := NewExporter(DefaultExporterConfig(), testSource(), st, priv, log.New())
	require.NoError(t, err)
	require.Equal(t, uint64(2), restarted.Epoch())
}
