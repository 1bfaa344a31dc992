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
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ledgerwatch/log/v3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/veriledger/veriledger/ledger"
)

// memFetcher serves signed blobs from memory, standing in for the HTTP
// client.
type memFetcher struct {
	epoch      uint64
	checkpoint []byte
	deltas     map[string][]byte
	order      []string
}

func (m *memFetcher) FetchLatestCheckpoint(context.Context) ([]byte, error) {
	return m.checkpoint, nil
}

func (m *memFetcher) ListDeltas(_ context.Context, sinceID string) (uint64, []string, error) {
	var ids []string
	for _, id := range m.order {
		if sinceID == "" || id > sinceID {
			ids = append(ids, id)
		}
	}
	return m.epoch, ids, nil
}

func (m *memFetcher) FetchDelta(_ context.Context, id string) ([]byte, error) {
	return m.deltas[id], nil
}

func signWindow(t *testing.T, priv *secp256k1.PrivateKey, m *ledger.Manifest, sections map[string]any) {
	t.Helper()
	hashes, err := ledger.HashSections(sections)
	require.NoError(t, err)
	m.SchemaVersion = ledger.SchemaVersion
	m.ContentHashes = hashes
	m.PrimaryKey = ledger.PubKeyHex(priv.PubKey())
	m.CreatedAt = time.Now().UTC()
	m.Signature, err = ledger.SignManifest(*m, priv)
	require.NoError(t, err)
}

func newMemFetcher(t *testing.T, priv *secp256k1.PrivateKey, epoch uint64) *memFetcher {
	t.Helper()
	codec := ledger.NewCodec()

	cp := syncedCheckpoint(epoch)
	signWindow(t, priv, &cp.Manifest, cp.Sections())
	cpBlob, err := codec.EncodeCheckpoint(cp)
	require.NoError(t, err)

	d := deltaAt(epoch, 1, 0.7, "home", "home")
	signWindow(t, priv, &d.Manifest, d.Sections())
	dBlob, err := codec.EncodeDelta(d)
	require.NoError(t, err)

	id := "d_0000000005_20260801T120000_aaaaaaaa"
	return &memFetcher{
		epoch:      epoch,
		checkpoint: cpBlob,
		deltas:     map[string][]byte{id: dBlob},
		order:      []string{id},
	}
}

func newTestRuntime(t *testing.T, fetcher LedgerFetcher, primaryKey string) (*Runtime, *Syncer, *fakeChain) {
	t.Helper()
	logger := log.New()
	fs := afero.NewMemMapFs()

	syncer, err := NewSyncer(fs, "data", DefaultControllerConfig(), logger)
	require.NoError(t, err)

	auditorKey, err := ledger.GenerateKey()
	require.NoError(t, err)

	chain := &fakeChain{}
	registry := NewRegistry(logger)
	require.NoError(t, registry.Register(NewWeightVerificationTask(chain, chain, 0.999, logger)))

	attLog, err := NewAttestationLog(fs, "data")
	require.NoError(t, err)

	cfg := DefaultRuntimeConfig(primaryKey)
	rt := NewRuntime(cfg, fetcher, syncer, NewVerifier(0, logger), registry, auditorKey, attLog, logger)
	return rt, syncer, chain
}

func TestRuntimeCycleSyncsAndAttests(t *testing.T) {
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)
	fetcher := newMemFetcher(t, priv, 5)

	rt, syncer, chain := newTestRuntime(t, fetcher, ledger.PubKeyHex(priv.PubKey()))

	// Prime the chain with the vector the task will recompute, so the first
	// cycle agrees and submits.
	preSyncer, err := NewSyncer(afero.NewMemMapFs(), "scratch", DefaultControllerConfig(), log.New())
	require.NoError(t, err)
	cp := syncedCheckpoint(5)
	d := deltaAt(5, 1, 0.7, "home", "home")
	_, err = preSyncer.ApplyCheckpoint(cp)
	require.NoError(t, err)
	require.NoError(t, preSyncer.ApplyDelta("d_0000000005_20260801T120000_aaaaaaaa", d))
	want := expectedWeights(t, preSyncer)
	chain.primaryUIDs = want.UIDs
	chain.primaryWs = want.Weights

	require.NoError(t, rt.RunCycle(context.Background()))

	require.Equal(t, uint64(5), syncer.Epoch())
	require.NotEmpty(t, syncer.LastDeltaID())
	require.Equal(t, 1, chain.submissions)
	require.Equal(t, want.UIDs, chain.submittedUIDs)

	// A second cycle is idempotent: no new deltas, same epoch.
	require.NoError(t, rt.RunCycle(context.Background()))
	require.Equal(t, 2.0, syncer.Accumulators()[0].Brier.WT)
}

func TestRuntimeRejectsForgedCheckpoint(t *testing.T) {
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)
	forger, err := ledger.GenerateKey()
	require.NoError(t, err)

	// Blobs signed by the forger, runtime configured with the real key.
	fetcher := newMemFetcher(t, forger, 5)
	rt, syncer, _ := newTestRuntime(t, fetcher, ledger.PubKeyHex(priv.PubKey()))

	err = rt.RunCycle(context.Background())
	require.ErrorIs(t, err, ledger.ErrBadSignature)
	require.Zero(t, syncer.Epoch())
}
