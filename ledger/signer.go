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
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/crypto/sha3"
)

// cjson sorts map keys, which keeps hashes stable across both sides.
var cjson = jsoniter.ConfigCompatibleWithStandardLibrary

// GenerateKey creates a fresh secp256k1 signing key.
func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// KeyFromHex parses a hex-encoded 32-byte private key.
func KeyFromHex(s string) (*secp256k1.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("invalid private key length: %d", len(b))
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}

// PubKeyHex returns the compressed hex encoding of a public key. It is the
// identity string used throughout the ledger protocol.
func PubKeyHex(pub *secp256k1.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

// ParsePubKey parses a compressed hex public key.
func ParsePubKey(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	return secp256k1.ParsePubKey(b)
}

// Digest hashes arbitrary bytes for signing.
func Digest(data []byte) [32]byte {
	return sha3.Sum256(data)
}

// SectionHash returns the hex digest of a payload section's canonical JSON
// encoding. Used for manifest content hashes.
func SectionHash(v any) (string, error) {
	b, err := cjson.Marshal(v)
	if err != nil {
		return "", err
	}
	h := Digest(b)
	return hex.EncodeToString(h[:]), nil
}

// Sign produces a hex DER signature over the digest of data.
func Sign(priv *secp256k1.PrivateKey, data []byte) string {
	h := Digest(data)
	return hex.EncodeToString(ecdsa.Sign(priv, h[:]).Serialize())
}

// Verify checks a hex DER signature over the digest of data.
func Verify(pub *secp256k1.PublicKey, data []byte, sigHex string) bool {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	h := Digest(data)
	return sig.Verify(h[:], pub)
}

// signingPayload is the canonical manifest encoding with the signature field
// cleared, avoiding the circular dependency of a signature over itself.
func signingPayload(m Manifest) ([]byte, error) {
	m.Signature = ""
	return cjson.Marshal(m)
}

// SignManifest signs a manifest with the primary's key and returns the
// signature to embed.
func SignManifest(m Manifest, priv *secp256k1.PrivateKey) (string, error) {
	payload, err := signingPayload(m)
	if err != nil {
		return "", err
	}
	return Sign(priv, payload), nil
}

// VerifyManifest checks a manifest's signature against the expected primary
// key. The manifest's own PrimaryKey field must match too: a valid signature
// under some other key proves nothing.
func VerifyManifest(m Manifest, primaryKey string) bool {
	if m.Signature == "" || m.PrimaryKey != primaryKey {
		return false
	}
	pub, err := ParsePubKey(primaryKey)
	if err != nil {
		return false
	}
	payload, err := signingPayload(m)
	if err != nil {
		return false
	}
	return Verify(pub, payload, m.Signature)
}

// HashSections computes the manifest content-hash map for payload sections.
func HashSections(sections map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(sections))
	for name, data := range sections {
		h, err := SectionHash(data)
		if err != nil {
			return nil, fmt.Errorf("hashing section %s: %w", name, err)
		}
		out[name] = h
	}
	return out, nil
}
