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

// Package utils holds flag and setup helpers shared by the node commands.
package utils

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ledgerwatch/log/v3"

	"github.com/veriledger/veriledger/ledger"
)

// SetupLogger configures the root handler at the requested level and returns
// the root logger.
func SetupLogger(verbosity string) (log.Logger, error) {
	lvl, err := log.LvlFromString(strings.ToLower(verbosity))
	if err != nil {
		return nil, fmt.Errorf("invalid verbosity %q: %w", verbosity, err)
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StderrHandler))
	return log.Root(), nil
}

// ResolvePath makes a flag path absolute relative to the data directory.
func ResolvePath(dataDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dataDir, p)
}

// LoadOrCreateKey reads a hex-encoded signing key from path, generating and
// persisting a fresh one on first run.
func LoadOrCreateKey(path string, logger log.Logger) (*secp256k1.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		priv, err := ledger.KeyFromHex(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", path, err)
		}
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	priv, err := ledger.GenerateKey()
	if err != nil {
		return nil, err
	}
	encoded := hex.EncodeToString(priv.Serialize())
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persisting key file %s: %w", path, err)
	}
	logger.Info("[keys] generated signing key", "path", path, "pubkey", ledger.PubKeyHex(priv.PubKey()))
	return priv, nil
}
