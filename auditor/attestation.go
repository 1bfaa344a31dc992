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
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/spf13/afero"

	"github.com/veriledger/veriledger/ledger"
)

// Attestation is a signed statement that this auditor produced a given task
// result. Third parties can verify the signature without trusting the
// auditor's transport.
type Attestation struct {
	Auditor    string    `json:"auditor"`
	Task       string    `json:"task"`
	Version    string    `json:"version"`
	Epoch      uint64    `json:"epoch"`
	OK         bool      `json:"ok"`
	ResultHash string    `json:"result_hash"`
	Signature  string    `json:"signature"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attest signs a task result with the auditor's key. The signature covers
// the canonical JSON of the attestation with the signature field cleared,
// the same scheme manifests use.
func Attest(priv *secp256k1.PrivateKey, res *TaskResult) (*Attestation, error) {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	digest := ledger.Digest(resultJSON)

	a := &Attestation{
		Auditor:    ledger.PubKeyHex(priv.PubKey()),
		Task:       res.Task,
		Version:    res.Version,
		Epoch:      res.Epoch,
		OK:         res.OK,
		ResultHash: hex.EncodeToString(digest[:]),
		CreatedAt:  time.Now().UTC(),
	}
	payload, err := attestationPayload(a)
	if err != nil {
		return nil, err
	}
	a.Signature = ledger.Sign(priv, payload)
	return a, nil
}

// VerifyAttestation checks an attestation's signature against the auditor
// identity it claims.
func VerifyAttestation(a *Attestation) bool {
	pub, err := ledger.ParsePubKey(a.Auditor)
	if err != nil {
		return false
	}
	payload, err := attestationPayload(a)
	if err != nil {
		return false
	}
	return ledger.Verify(pub, payload, a.Signature)
}

func attestationPayload(a *Attestation) ([]byte, error) {
	clone := *a
	clone.Signature = ""
	return json.Marshal(&clone)
}

// AttestationLog appends attestations to a JSON-lines file, one record per
// task run, for external consumers to tail.
type AttestationLog struct {
	fs   afero.Fs
	path string
}

func NewAttestationLog(fs afero.Fs, dataDir string) (*AttestationLog, error) {
	if err := fs.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return &AttestationLog{fs: fs, path: path.Join(dataDir, "attestations.jsonl")}, nil
}

func (l *AttestationLog) Append(a *Attestation) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	f, err := l.fs.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening attestation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return nil
}
