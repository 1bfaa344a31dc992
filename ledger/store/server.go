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
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/ledgerwatch/log/v3"

	"github.com/veriledger/veriledger/auth"
	"github.com/veriledger/veriledger/ledger"
)

var (
	blobRequests    = metrics.GetOrCreateCounter("vldg_server_blob_requests_total")
	authRejections  = metrics.GetOrCreateCounter("vldg_server_auth_rejections_total")
	rateLimitedReqs = metrics.GetOrCreateCounter("vldg_server_rate_limited_total")
)

type challengeRequest struct {
	PubKey string `json:"pubkey"`
}

type challengeResponse struct {
	Nonce string `json:"nonce"`
}

type verifyRequest struct {
	PubKey    string `json:"pubkey"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type deltaListResponse struct {
	Epoch  uint64   `json:"epoch"`
	Deltas []string `json:"deltas"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes the ledger over HTTP. The auth handshake and blob reads are
// public-facing and token gated; the recompute trigger is operator-only and
// bound to loopback.
type Server struct {
	store    Store
	exporter *Exporter
	policy   *auth.AccessPolicy
	logger   log.Logger
}

func NewServer(st Store, exporter *Exporter, policy *auth.AccessPolicy, logger log.Logger) *Server {
	return &Server{store: st, exporter: exporter, policy: policy, logger: logger}
}

// Router builds the HTTP handler. The layout mirrors the tier model: tier-1
// endpoints are the handshake itself, tier-2 everything behind a token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         600,
	}))

	r.Route("/ledger", func(r chi.Router) {
		r.Post("/auth/challenge", s.handleChallenge)
		r.Post("/auth/verify", s.handleVerify)

		r.Group(func(r chi.Router) {
			r.Use(s.bearerAuth)
			r.Get("/checkpoint/latest", s.handleLatestCheckpoint)
			r.Get("/deltas", s.handleListDeltas)
			r.Get("/deltas/{id}", s.handleGetDelta)
		})

		r.Group(func(r chi.Router) {
			r.Use(loopbackOnly)
			r.Post("/recompute", s.handleRecompute)
		})
	})

	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// authStatus maps the auth error taxonomy to HTTP codes: ineligibility is
// forbidden, everything about the handshake itself is unauthorized.
func authStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrIneligible):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrBadSignature), errors.Is(err, auth.ErrExpiredNonce), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PubKey == "" {
		writeError(w, http.StatusBadRequest, "missing pubkey")
		return
	}
	nonce, err := s.policy.IssueChallenge(req.PubKey)
	if err != nil {
		authRejections.Inc()
		writeError(w, authStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Nonce: nonce})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PubKey == "" || req.Nonce == "" {
		writeError(w, http.StatusBadRequest, "missing pubkey or nonce")
		return
	}
	token, expiresAt, err := s.policy.VerifyResponse(req.PubKey, req.Nonce, req.Signature)
	if err != nil {
		authRejections.Inc()
		writeError(w, authStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Token: token, ExpiresAt: expiresAt})
}

// bearerAuth validates the token, re-checks eligibility on every call and
// applies the per-identity rate limit. A stake that dropped below threshold
// cuts access mid-token.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			authRejections.Inc()
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		pubkey, err := s.policy.ValidateToken(token)
		if err != nil {
			authRejections.Inc()
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if err := s.policy.CheckEligibility(pubkey); err != nil {
			authRejections.Inc()
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		if !s.policy.Allow(pubkey) {
			rateLimitedReqs.Inc()
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, _ *http.Request) {
	blobRequests.Inc()
	blob, err := s.store.LatestCheckpoint()
	if err != nil {
		if errors.Is(err, ErrNoCheckpoint) {
			writeError(w, http.StatusNotFound, "no checkpoint exported yet")
			return
		}
		writeError(w, http.StatusInternalServerError, "checkpoint read failed")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blob)
}

func (s *Server) handleListDeltas(w http.ResponseWriter, r *http.Request) {
	epoch := s.exporter.Epoch()
	ids, err := s.store.ListDeltas(epoch, r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delta listing failed")
		return
	}
	writeJSON(w, http.StatusOK, deltaListResponse{Epoch: epoch, Deltas: ids})
}

func (s *Server) handleGetDelta(w http.ResponseWriter, r *http.Request) {
	blobRequests.Inc()
	blob, err := s.store.GetDelta(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown delta")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blob)
}

// handleRecompute is the operator trigger for an epoch bump. The record is
// validated by the exporter; a rejected record leaves the epoch untouched.
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var rec ledger.RecomputeRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "malformed recompute record")
		return
	}
	if err := s.exporter.BumpEpoch(&rec); err != nil {
		if errors.Is(err, ledger.ErrMalformedRecord) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("[server] recompute accepted", "epoch", rec.Epoch, "reason", rec.ReasonCode)
	writeJSON(w, http.StatusOK, map[string]uint64{"epoch": rec.Epoch})
}

// loopbackOnly restricts a route to local operators.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !net.ParseIP(host).IsLoopback() {
			writeError(w, http.StatusForbidden, "operator endpoint")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe runs the ledger HTTP server with sane timeouts.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info("[server] listening", "addr", addr)
	return srv.ListenAndServe()
}
