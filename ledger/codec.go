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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/klauspost/compress/zstd"
)

// CodecVersion is the wire version of the blob envelope. A mismatch is a hard
// failure: no best-effort parsing of newer or older blobs.
const CodecVersion uint16 = 1

// DefaultMaxBlobSize bounds the decompressed payload an auditor will accept.
const DefaultMaxBlobSize = 64 * datasize.MB

var blobMagic = [4]byte{'v', 'l', 'd', 'g'}

const headerSize = 8 // magic + version + reserved

var (
	ErrVersionMismatch = errors.New("ledger blob version mismatch")
	ErrBadSignature    = errors.New("ledger blob signature invalid")
	ErrCorrupt         = errors.New("ledger blob corrupt")
)

var compressorPool = sync.Pool{
	New: func() any {
		w, err := zstd.NewWriter(nil)
		if err != nil {
			panic(err)
		}
		return w
	},
}

// Codec encodes and decodes ledger windows as versioned, signed, compressed
// blobs. Decode verifies the manifest signature before any payload field is
// trusted; a failed blob is discarded entirely.
type Codec struct {
	maxBlobSize datasize.ByteSize
	dec         *zstd.Decoder
}

func NewCodec() *Codec {
	return newCodec(DefaultMaxBlobSize)
}

func newCodec(limit datasize.ByteSize) *Codec {
	// The limit is enforced inside the decoder, so a compression bomb fails
	// during decompression instead of after it. DecodeAll is safe for
	// concurrent use on a shared decoder.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(limit)))
	if err != nil {
		panic(err)
	}
	return &Codec{maxBlobSize: limit, dec: dec}
}

// WithMaxBlobSize returns a codec bounding the decompressed size accepted by
// Decode.
func (c *Codec) WithMaxBlobSize(limit datasize.ByteSize) *Codec {
	return newCodec(limit)
}

// EncodeCheckpoint serializes a checkpoint into a blob.
func (c *Codec) EncodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	return c.encode(cp)
}

// EncodeDelta serializes a delta into a blob.
func (c *Codec) EncodeDelta(d *Delta) ([]byte, error) {
	return c.encode(d)
}

func (c *Codec) encode(window any) ([]byte, error) {
	payload, err := cjson.Marshal(window)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, headerSize, headerSize+len(payload)/2)
	copy(blob, blobMagic[:])
	binary.BigEndian.PutUint16(blob[4:6], CodecVersion)

	w := compressorPool.Get().(*zstd.Encoder)
	defer compressorPool.Put(w)
	return w.EncodeAll(payload, blob), nil
}

// DecodeCheckpoint decodes and fully verifies a checkpoint blob against the
// known primary key.
func (c *Codec) DecodeCheckpoint(blob []byte, primaryKey string) (*Checkpoint, error) {
	payload, err := c.open(blob)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := cjson.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	if err := c.verify(cp.Manifest, WindowTypeCheckpoint, cp.Sections(), primaryKey); err != nil {
		return nil, err
	}
	return &cp, nil
}

// DecodeDelta decodes and fully verifies a delta blob against the known
// primary key.
func (c *Codec) DecodeDelta(blob []byte, primaryKey string) (*Delta, error) {
	payload, err := c.open(blob)
	if err != nil {
		return nil, err
	}
	var d Delta
	if err := cjson.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	if err := c.verify(d.Manifest, WindowTypeDelta, d.Sections(), primaryKey); err != nil {
		return nil, err
	}
	return &d, nil
}

// open validates the envelope header and decompresses the payload.
func (c *Codec) open(blob []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	if [4]byte(blob[:4]) != blobMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.BigEndian.Uint16(blob[4:6]); v != CodecVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, CodecVersion)
	}

	payload, err := c.dec.DecodeAll(blob[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
	}
	if datasize.ByteSize(len(payload)) > c.maxBlobSize {
		return nil, fmt.Errorf("%w: payload %d exceeds limit %s", ErrCorrupt, len(payload), c.maxBlobSize)
	}
	return payload, nil
}

// verify checks schema version, window type, signature and content hashes.
// Signature failure dominates: a blob signed by anyone else is rejected
// before its contents are examined further.
func (c *Codec) verify(m Manifest, windowType string, sections map[string]any, primaryKey string) error {
	if m.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema %d, want %d", ErrVersionMismatch, m.SchemaVersion, SchemaVersion)
	}
	if !VerifyManifest(m, primaryKey) {
		return ErrBadSignature
	}
	if m.WindowType != windowType {
		return fmt.Errorf("%w: window type %q, want %q", ErrCorrupt, m.WindowType, windowType)
	}
	for name, data := range sections {
		want, ok := m.ContentHashes[name]
		if !ok {
			return fmt.Errorf("%w: missing content hash for section %s", ErrCorrupt, name)
		}
		got, err := SectionHash(data)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrCorrupt, err)
		}
		if got != want {
			return fmt.Errorf("%w: content hash mismatch for section %s", ErrCorrupt, name)
		}
	}
	return nil
}
