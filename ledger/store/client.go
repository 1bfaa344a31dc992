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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/ledgerwatch/log/v3"

	"github.com/veriledger/veriledger/ledger"
)

// ErrAccessDenied is returned when the primary refuses the handshake or a
// protected call on eligibility grounds. Retrying does not help; the operator
// has to fix stake or permit.
var ErrAccessDenied = errors.New("ledger access denied by primary")

const clientRequestTimeout = 2 * time.Minute

// Client fetches ledger blobs from a primary node. It runs the
// challenge-response handshake lazily, caches the bearer token, and
// re-handshakes once when a call comes back unauthorized.
type Client struct {
	baseURL string
	priv    *secp256k1.PrivateKey
	pubHex  string
	http    *retryablehttp.Client
	logger  log.Logger

	// mu guards the token cache; fetches run concurrently through one client.
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewClient(baseURL string, priv *secp256k1.PrivateKey, logger log.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.HTTPClient.Timeout = clientRequestTimeout
	rc.Logger = nil
	// Retry transport errors and 5xx only. 4xx means the request itself is
	// wrong and must surface to the caller.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, nil
	}

	return &Client{
		baseURL: baseURL,
		priv:    priv,
		pubHex:  ledger.PubKeyHex(priv.PubKey()),
		http:    rc,
		logger:  logger,
	}
}

// PubKey returns the identity the client authenticates as.
func (c *Client) PubKey() string { return c.pubHex }

func (c *Client) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// Handshake runs the full challenge-response exchange and caches the bearer
// token. A 403 anywhere in the exchange is terminal for this identity.
func (c *Client) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshakeLocked(ctx)
}

func (c *Client) handshakeLocked(ctx context.Context) error {
	var chal challengeResponse
	code, err := c.postJSON(ctx, "/ledger/auth/challenge", challengeRequest{PubKey: c.pubHex}, &chal)
	if err != nil {
		return fmt.Errorf("requesting challenge: %w", err)
	}
	if code == http.StatusForbidden {
		return fmt.Errorf("%w: challenge refused", ErrAccessDenied)
	}
	if code != http.StatusOK {
		return fmt.Errorf("challenge request failed: status %d", code)
	}

	var tok verifyResponse
	code, err = c.postJSON(ctx, "/ledger/auth/verify", verifyRequest{
		PubKey:    c.pubHex,
		Nonce:     chal.Nonce,
		Signature: ledger.Sign(c.priv, []byte(chal.Nonce)),
	}, &tok)
	if err != nil {
		return fmt.Errorf("verifying challenge: %w", err)
	}
	if code == http.StatusForbidden {
		return fmt.Errorf("%w: verification refused", ErrAccessDenied)
	}
	if code != http.StatusOK {
		return fmt.Errorf("challenge verification failed: status %d", code)
	}

	c.token = tok.Token
	c.expiresAt = tok.ExpiresAt
	c.logger.Debug("[client] authenticated", "expires_at", tok.ExpiresAt)
	return nil
}

// ensureToken returns a live bearer token, handshaking under the lock so
// concurrent fetches share one exchange instead of racing it.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Until(c.expiresAt) < time.Minute {
		if err := c.handshakeLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

// invalidate drops the cached token unless another goroutine already
// replaced it.
func (c *Client) invalidate(stale string) {
	c.mu.Lock()
	if c.token == stale {
		c.token = ""
	}
	c.mu.Unlock()
}

// get performs an authenticated GET, handshaking first when no live token is
// held and once more when the primary says the token went stale.
func (c *Client) get(ctx context.Context, path string) (int, []byte, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return 0, nil, err
	}

	do := func(token string) (int, []byte, error) {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := c.http.Do(req)
		if err != nil {
			return 0, nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		return resp.StatusCode, raw, err
	}

	code, raw, err := do(token)
	if err != nil {
		return code, nil, err
	}
	if code == http.StatusUnauthorized {
		c.invalidate(token)
		token, err = c.ensureToken(ctx)
		if err != nil {
			return code, nil, err
		}
		code, raw, err = do(token)
		if err != nil {
			return code, nil, err
		}
	}
	if code == http.StatusForbidden {
		return code, nil, ErrAccessDenied
	}
	return code, raw, nil
}

// FetchLatestCheckpoint downloads the newest checkpoint blob. The blob is
// returned unverified; decoding and signature checks belong to the caller.
func (c *Client) FetchLatestCheckpoint(ctx context.Context) ([]byte, error) {
	code, raw, err := c.get(ctx, "/ledger/checkpoint/latest")
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK:
		return raw, nil
	case http.StatusNotFound:
		return nil, ErrNoCheckpoint
	default:
		return nil, fmt.Errorf("checkpoint fetch failed: status %d", code)
	}
}

// ListDeltas returns the primary's current epoch and the delta IDs after the
// given marker.
func (c *Client) ListDeltas(ctx context.Context, sinceID string) (uint64, []string, error) {
	path := "/ledger/deltas"
	if sinceID != "" {
		path += "?since=" + sinceID
	}
	code, raw, err := c.get(ctx, path)
	if err != nil {
		return 0, nil, err
	}
	if code != http.StatusOK {
		return 0, nil, fmt.Errorf("delta listing failed: status %d", code)
	}
	var out deltaListResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, nil, err
	}
	return out.Epoch, out.Deltas, nil
}

// FetchDelta downloads one delta blob by ID.
func (c *Client) FetchDelta(ctx context.Context, id string) ([]byte, error) {
	code, raw, err := c.get(ctx, "/ledger/deltas/"+id)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusOK:
		return raw, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: delta %s", ErrNotFound, id)
	default:
		return nil, fmt.Errorf("delta fetch failed: status %d", code)
	}
}
