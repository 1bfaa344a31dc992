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

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	msg := []byte("challenge-nonce")
	sig := Sign(priv, msg)
	require.True(t, Verify(priv.PubKey(), msg, sig))
	require.False(t, Verify(priv.PubKey(), []byte("other"), sig))

	other, err := GenerateKey()
	require.NoError(t, err)
	require.False(t, Verify(other.PubKey(), msg, sig))
}

func TestKeyHexRoundTrip(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	pub, err := ParsePubKey(PubKeyHex(priv.PubKey()))
	require.NoError(t, err)
	require.True(t, pub.IsEqual(priv.PubKey()))

	_, err = ParsePubKey("not-hex")
	require.Error(t, err)
	_, err = KeyFromHex("abcd")
	require.Error(t, err)
}

func TestManifestSignature(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)
	pubHex := PubKeyHex(priv.PubKey())

	m := Manifest{
		SchemaVersion: SchemaVersion,
		WindowType:    WindowTypeCheckpoint,
		WindowStart:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:     time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		Epoch:         3,
		ContentHashes: map[string]string{"roster": "aa", "accumulators": "bb"},
		PrimaryKey:    pubHex,
		CreatedAt:     time.Date(2026, 8, 2, 0, 0, 1, 0, time.UTC),
	}
	m.Signature, err = SignManifest(m, priv)
	require.NoError(t, err)
	require.True(t, VerifyManifest(m, pubHex))

	tampered := m
	tampered.Epoch = 4
	require.False(t, VerifyManifest(tampered, pubHex))

	other, err := GenerateKey()
	require.NoError(t, err)
	require.False(t, VerifyManifest(m, PubKeyHex(other.PubKey())))

	unsigned := m
	unsigned.Signature = ""
	require.False(t, VerifyManifest(unsigned, pubHex))
}

func TestSectionHashDeterminism(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": []int{1, 2, 3}}
	b := map[string]any{"c": []int{1, 2, 3}, "a": 1, "b": 2}

	ha, err := SectionHash(a)
	require.NoError(t, err)
	hb, err := SectionHash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)

	hc, err := SectionHash(map[string]any{"a": 2})
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}
