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
	"bufio"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/veriledger/veriledger/ledger"
)

func TestAttestationRoundTrip(t *testing.T) {
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)

	res := &TaskResult{
		Task: "weight_verification", Version: "1", Epoch: 5, OK: true,
		Detail:      map[string]any{"similarity": 0.9999},
		CompletedAt: time.Now().UTC(),
	}
	att, err := Attest(priv, res)
	require.NoError(t, err)
	require.Equal(t, ledger.PubKeyHex(priv.PubKey()), att.Auditor)
	require.True(t, VerifyAttestation(att))

	tampered := *att
	tampered.OK = false
	require.False(t, VerifyAttestation(&tampered))

	forged := *att
	other, err := ledger.GenerateKey()
	require.NoError(t, err)
	forged.Auditor = ledger.PubKeyHex(other.PubKey())
	require.False(t, VerifyAttestation(&forged))
}

func TestAttestationLogAppends(t *testing.T) {
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)
	fs := afero.NewMemMapFs()

	l, err := NewAttestationLog(fs, "data")
	require.NoError(t, err)

	for epoch := uint64(1); epoch <= 3; epoch++ {
		att, err := Attest(priv, &TaskResult{Task: "t", Version: "1", Epoch: epoch, OK: true, CompletedAt: time.Now().UTC()})
		require.NoError(t, err)
		require.NoError(t, l.Append(att))
	}

	f, err := fs.Open("data/attestations.jsonl")
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var att Attestation
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &att))
		require.True(t, VerifyAttestation(&att))
		lines++
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, 3, lines)
}
