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

package auth

import (
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/veriledger/veriledger/ledger"
)

func newTestPolicy(t *testing.T, cfg Config) *AccessPolicy {
	t.Helper()
	p, err := NewAccessPolicy(cfg, log.New())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func freshSnapshot(entries map[string]Eligibility) *Snapshot {
	return &Snapshot{AsOf: time.Now(), Entries: entries}
}

func TestCheckEligibilityFailClosed(t *testing.T) {
	cfg := DefaultConfig()
	p := newTestPolicy(t, cfg)

	// No snapshot at all.
	require.ErrorIs(t, p.CheckEligibility("aabb"), ErrIneligible)

	// Stale snapshot.
	p.UpdateSnapshot(&Snapshot{
		AsOf:    time.Now().Add(-time.Hour),
		Entries: map[string]Eligibility{"aabb": {Permit: true, Stake: cfg.MinStake}},
	})
	require.ErrorIs(t, p.CheckEligibility("aabb"), ErrIneligible)

	p.UpdateSnapshot(freshSnapshot(map[string]Eligibility{
		"aabb": {Permit: true, Stake: cfg.MinStake},
		"ccdd": {Permit: false, Stake: cfg.MinStake * 10},
		"eeff": {Permit: true, Stake: cfg.MinStake - 1},
	}))

	require.NoError(t, p.CheckEligibility("aabb"))
	require.ErrorIs(t, p.CheckEligibility("ccdd"), ErrIneligible) // no permit
	require.ErrorIs(t, p.CheckEligibility("eeff"), ErrIneligible) // stake below threshold
	require.ErrorIs(t, p.CheckEligibility("0011"), ErrIneligible) // unknown
	require.ErrorIs(t, p.CheckEligibility(""), ErrIneligible)
}

func TestHandshakeRoundTrip(t *testing.T) {
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)
	pubHex := ledger.PubKeyHex(priv.PubKey())

	cfg := DefaultConfig()
	p := newTestPolicy(t, cfg)
	p.UpdateSnapshot(freshSnapshot(map[string]Eligibility{
		pubHex: {Permit: true, Stake: cfg.MinStake},
	}))

	nonce, err := p.IssueChallenge(pubHex)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	token, expiresAt, err := p.VerifyResponse(pubHex, nonce, ledger.Sign(priv, []byte(nonce)))
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.WithinDuration(t, time.Now().Add(cfg.TokenTTL), expiresAt, time.Minute)

	identity, err := p.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, pubHex, identity)
}

func TestIssueChallengeRequiresEligibility(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())
	p.UpdateSnapshot(freshSnapshot(nil))

	_, err := p.IssueChallenge("aabb")
	require.ErrorIs(t, err, ErrIneligible)
}

func TestNonceSingleUse(t *testing.T) {
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)
	pubHex := ledger.PubKeyHex(priv.PubKey())

	cfg := DefaultConfig()
	p := newTestPolicy(t, cfg)
	p.UpdateSnapshot(freshSnapshot(map[string]Eligibility{
		pubHex: {Permit: true, Stake: cfg.MinStake},
	}))

	nonce, err := p.IssueChallenge(pubHex)
	require.NoError(t, err)
	sig := ledger.Sign(priv, []byte(nonce))

	_, _, err = p.VerifyResponse(pubHex, nonce, sig)
	require.NoError(t, err)

	// Replaying the same nonce, even with a valid signature, fails.
	_, _, err = p.VerifyResponse(pubHex, nonce, sig)
	require.ErrorIs(t, err, ErrExpiredNonce)
}

func TestFailedVerifyConsumesNonce(t *testing.T) {
	priv, err := ledger.GenerateKey()
	require.NoError(t, err)
	pubHex := ledger.PubKeyHex(priv.PubKey())

	cfg := DefaultConfig()
	p := newTestPolicy(t, cfg)
	p.UpdateSnapshot(freshSnapshot(map[string]Eligibility{
		pubHex: {Permit: true, Stake: cfg.MinStake},
	}))

	nonce, err := p.IssueChallenge(pubHex)
	require.NoError(t, err)

	_, _, err = p.VerifyResponse(pubHex, nonce, "deadbeef")
	require.ErrorIs(t, err, ErrBadSignature)

	// The failed attempt burned the nonce.
	_, _, err = p.VerifyResponse(pubHex, nonce, ledger.Sign(priv, []byte(nonce)))
	require.ErrorIs(t, err, ErrExpiredNonce)
}

func TestVerifyRejectsNonceBoundToOtherIdentity(t *testing.T) {
	privA, err := ledger.GenerateKey()
	require.NoError(t, err)
	privB, err := ledger.GenerateKey()
	require.NoError(t, err)
	pubA := ledger.PubKeyHex(privA.PubKey())
	pubB := ledger.PubKeyHex(privB.PubKey())

	cfg := DefaultConfig()
	p := newTestPolicy(t, cfg)
	p.UpdateSnapshot(freshSnapshot(map[string]Eligibility{
		pubA: {Permit: true, Stake: cfg.MinStake},
		pubB: {Permit: true, Stake: cfg.MinStake},
	}))

	nonce, err := p.IssueChallenge(pubA)
	require.NoError(t, err)

	_, _, err = p.VerifyResponse(pubB, nonce, ledger.Sign(privB, []byte(nonce)))
	require.ErrorIs(t, err, ErrExpiredNonce)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	p := newTestPolicy(t, DefaultConfig())
	_, err := p.ValidateToken("not-a-jwt")
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestAllowRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatePerHour = 1
	cfg.RateBurst = 2
	p := newTestPolicy(t, cfg)

	require.True(t, p.Allow("aabb"))
	require.True(t, p.Allow("aabb"))
	require.False(t, p.Allow("aabb"))

	// Limits are per identity.
	require.True(t, p.Allow("ccdd"))
}
