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

// Package datadir lays out and locks a node's on-disk data directory.
package datadir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
)

// Dirs is the file system folder a node uses for all data storage. Services
// never receive the raw data directory; they get the specific subdirectory
// for their concern.
type Dirs struct {
	DataDir string
	Ledger  string
	Keys    string
	Tmp     string
}

func New(datadir string) (Dirs, error) {
	abs, err := filepath.Abs(datadir)
	if err != nil {
		return Dirs{}, err
	}
	dirs := Dirs{
		DataDir: abs,
		Ledger:  filepath.Join(abs, "ledger"),
		Keys:    filepath.Join(abs, "keys"),
		Tmp:     filepath.Join(abs, "temp"),
	}
	for _, d := range []string{dirs.DataDir, dirs.Ledger, dirs.Keys, dirs.Tmp} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return Dirs{}, err
		}
	}
	return dirs, nil
}

var (
	ErrDataDirLocked = errors.New("datadir already used by another process")

	datadirInUseErrNos = map[uint]bool{11: true, 32: true, 35: true}
)

func convertFileLockError(err error) error {
	//nolint
	if errno, ok := err.(syscall.Errno); ok && datadirInUseErrNos[uint(errno)] {
		return ErrDataDirLocked
	}
	return err
}

// TryFlock locks the data directory to prevent concurrent use by another
// instance.
func TryFlock(dirs Dirs) (*flock.Flock, bool, error) {
	l := flock.New(filepath.Join(dirs.DataDir, "LOCK"))
	locked, err := l.TryLock()
	if err != nil {
		return nil, false, convertFileLockError(err)
	}
	return l, locked, nil
}

// MustFlock is TryFlock for callers that cannot proceed without the lock.
func MustFlock(dirs Dirs) (*flock.Flock, error) {
	l, locked, err := TryFlock(dirs)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrDataDirLocked, dirs.DataDir)
	}
	return l, nil
}
