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
	"context"
	"fmt"
	"path"
	"time"

	"github.com/spf13/afero"
)

// weightsFile is the JSON exchange format shared with the chain gateway
// process: it writes primary_weights.json from chain state and picks up
// submitted_weights.json for the next extrinsic.
type weightsFile struct {
	UIDs      []uint64  `json:"uids"`
	Weights   []uint16  `json:"weights"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileChain is a ChainView and WeightSubmitter backed by exchange files in
// the data directory. Chain signing stays in the gateway process, outside
// this binary.
type FileChain struct {
	fs  afero.Fs
	dir string
}

func NewFileChain(fs afero.Fs, dir string) (*FileChain, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileChain{fs: fs, dir: dir}, nil
}

func (c *FileChain) PrimaryWeights(_ context.Context) ([]uint64, []uint16, error) {
	p := path.Join(c.dir, "primary_weights.json")
	raw, err := afero.ReadFile(c.fs, p)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", p, err)
	}
	var f weightsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", p, err)
	}
	if len(f.UIDs) != len(f.Weights) {
		return nil, nil, fmt.Errorf("%s: %d uids, %d weights", p, len(f.UIDs), len(f.Weights))
	}
	return f.UIDs, f.Weights, nil
}

func (c *FileChain) SetWeights(_ context.Context, uids []uint64, ws []uint16) error {
	raw, err := json.Marshal(&weightsFile{UIDs: uids, Weights: ws, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	p := path.Join(c.dir, "submitted_weights.json")
	tmp := p + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, raw, 0o644); err != nil {
		return err
	}
	if err := c.fs.Rename(tmp, p); err != nil {
		c.fs.Remove(tmp)
		return err
	}
	return nil
}
