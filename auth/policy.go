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

// Package auth implements the ledger access gate: a challenge-response
// handshake gated by a stake/permission snapshot, issuing time-boxed bearer
// tokens. The design is fail-closed; any ambiguity is a rejection, never a
// default-allow.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/ledgerwatch/log/v3"
	"golang.org/x/time/rate"

	"github.com/veriledger/veriledger/ledger"
)

var (
	ErrIneligible   = errors.New("identity not eligible for ledger access")
	ErrBadSignature = errors.New("challenge signature invalid")
	ErrExpiredNonce = errors.New("challenge nonce unknown or expired")
	ErrExpiredToken = errors.New("bearer token invalid or expired")
)

// Eligibility is one identity's entry in the stake/permission snapshot.
type Eligibility struct {
	Permit bool
	Stake  uint64
}

// Snapshot is an immutable view of entity eligibility, refreshed
// periodically by the caller. A snapshot older than the configured maximum
// age rejects everyone.
type Snapshot struct {
	AsOf    time.Time
	Entries map[string]Eligibility
}

// SnapshotSource supplies fresh eligibility snapshots. Implemented by the
// chain-state collaborator; the gate never reaches out on its own.
type SnapshotSource interface {
	Snapshot() (*Snapshot, error)
}

// Config holds the access gate knobs.
type Config struct {
	MinStake       uint64
	NonceTTL       time.Duration
	TokenTTL       time.Duration
	SnapshotMaxAge time.Duration
	RatePerHour    int
	RateBurst      int
}

func DefaultConfig() Config {
	return Config{
		MinStake:       100_000,
		NonceTTL:       2 * time.Minute,
		TokenTTL:       time.Hour,
		SnapshotMaxAge: 30 * time.Minute,
		RatePerHour:    60,
		RateBurst:      10,
	}
}

// AccessPolicy drives the UNAUTH -> NONCE_ISSUED -> AUTHENTICATED handshake
// and validates bearer tokens on protected calls. Tokens are revocable by
// expiry only; there is no refresh without a full re-handshake.
type AccessPolicy struct {
	cfg    Config
	logger log.Logger

	secret []byte // server-local HMAC secret, rotated on restart

	mu       sync.RWMutex
	snapshot *Snapshot

	nonces   *ttlcache.Cache[string, string] // nonce -> pubkey, single use
	limiters *ttlcache.Cache[string, *rate.Limiter]
}

func NewAccessPolicy(cfg Config, logger log.Logger) (*AccessPolicy, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating token secret: %w", err)
	}

	nonces := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](cfg.NonceTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](2 * time.Hour),
	)
	go nonces.Start()
	go limiters.Start()

	return &AccessPolicy{
		cfg:      cfg,
		logger:   logger,
		secret:   secret,
		nonces:   nonces,
		limiters: limiters,
	}, nil
}

func (p *AccessPolicy) Close() {
	p.nonces.Stop()
	p.limiters.Stop()
}

// UpdateSnapshot swaps in a fresh eligibility snapshot.
func (p *AccessPolicy) UpdateSnapshot(s *Snapshot) {
	p.mu.Lock()
	p.snapshot = s
	p.mu.Unlock()
}

// CheckEligibility enforces the stake/permission gate. Stale or missing
// snapshots reject: ineligibility is the default, eligibility the exception.
func (p *AccessPolicy) CheckEligibility(pubkey string) error {
	reject := func(reason string) error {
		p.logger.Warn("[auth] eligibility rejected", "pubkey", short(pubkey), "reason", reason)
		return fmt.Errorf("%w: %s", ErrIneligible, reason)
	}

	if pubkey == "" {
		return reject("empty identity")
	}

	p.mu.RLock()
	snap := p.snapshot
	p.mu.RUnlock()

	if snap == nil {
		return reject("no eligibility snapshot")
	}
	if p.cfg.SnapshotMaxAge > 0 && time.Since(snap.AsOf) > p.cfg.SnapshotMaxAge {
		return reject("eligibility snapshot stale")
	}
	entry, ok := snap.Entries[pubkey]
	if !ok {
		return reject("identity not found")
	}
	if !entry.Permit {
		return reject("no validator permit")
	}
	if entry.Stake < p.cfg.MinStake {
		return reject(fmt.Sprintf("stake %d below threshold %d", entry.Stake, p.cfg.MinStake))
	}
	return nil
}

// IssueChallenge runs the eligibility gate and, on success, issues a
// single-use random nonce bound to the identity. Failing the gate
// short-circuits: no nonce is ever issued to an ineligible identity.
func (p *AccessPolicy) IssueChallenge(pubkey string) (string, error) {
	if err := p.CheckEligibility(pubkey); err != nil {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	p.nonces.Set(nonce, pubkey, ttlcache.DefaultTTL)
	p.logger.Debug("[auth] challenge issued", "pubkey", short(pubkey))
	return nonce, nil
}

// VerifyResponse checks the caller's signature over the nonce and mints a
// bearer token. The nonce is consumed on lookup regardless of outcome, so a
// failed attempt cannot be replayed.
func (p *AccessPolicy) VerifyResponse(pubkey, nonce, signature string) (string, time.Time, error) {
	item := p.nonces.Get(nonce)
	p.nonces.Delete(nonce)
	if item == nil {
		p.logger.Warn("[auth] verify failed", "pubkey", short(pubkey), "reason", "unknown or expired nonce")
		return "", time.Time{}, ErrExpiredNonce
	}
	if item.Value() != pubkey {
		p.logger.Warn("[auth] verify failed", "pubkey", short(pubkey), "reason", "nonce bound to different identity")
		return "", time.Time{}, ErrExpiredNonce
	}

	pub, err := ledger.ParsePubKey(pubkey)
	if err != nil {
		p.logger.Warn("[auth] verify failed", "pubkey", short(pubkey), "reason", "unparseable pubkey")
		return "", time.Time{}, ErrBadSignature
	}
	if !ledger.Verify(pub, []byte(nonce), signature) {
		p.logger.Warn("[auth] verify failed", "pubkey", short(pubkey), "reason", "bad signature")
		return "", time.Time{}, ErrBadSignature
	}

	// Re-check eligibility at token mint: the snapshot may have rotated
	// between challenge and response.
	if err := p.CheckEligibility(pubkey); err != nil {
		return "", time.Time{}, err
	}

	now := time.Now()
	expiresAt := now.Add(p.cfg.TokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   pubkey,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}

	p.logger.Info("[auth] token issued", "pubkey", short(pubkey), "expires_at", expiresAt)
	return token, expiresAt, nil
}

// ValidateToken checks a bearer token and returns the authenticated
// identity.
func (p *AccessPolicy) ValidateToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrExpiredToken
	}
	return claims.Subject, nil
}

// Allow applies the per-identity rate limit for Tier-2 calls, independent of
// the handshake: a valid token holder is still bounded.
func (p *AccessPolicy) Allow(pubkey string) bool {
	item := p.limiters.Get(pubkey)
	var limiter *rate.Limiter
	if item == nil {
		limiter = rate.NewLimiter(rate.Limit(float64(p.cfg.RatePerHour)/3600), p.cfg.RateBurst)
		p.limiters.Set(pubkey, limiter, ttlcache.DefaultTTL)
	} else {
		limiter = item.Value()
	}
	allowed := limiter.Allow()
	if !allowed {
		p.logger.Warn("[auth] rate limited", "pubkey", short(pubkey))
	}
	return allowed
}

func short(pubkey string) string {
	if len(pubkey) <= 16 {
		return pubkey
	}
	return pubkey[:16]
}
