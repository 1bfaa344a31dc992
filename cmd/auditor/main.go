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

// The auditor node: syncs signed ledger windows from a primary, verifies
// what it can, recomputes weights and attests to the results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/veriledger/veriledger/auditor"
	"github.com/veriledger/veriledger/cmd/utils"
	"github.com/veriledger/veriledger/datadir"
	"github.com/veriledger/veriledger/ledger/store"
	"github.com/veriledger/veriledger/weights"
)

func main() {
	app := &cli.App{
		Name:  "veriledger-auditor",
		Usage: "verify a primary's scoring ledger and recompute weights",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "datadir", Value: "veriledger-auditor-data", Usage: "data directory"},
			&cli.StringFlag{Name: "primary.url", Required: true, Usage: "base URL of the primary ledger server"},
			&cli.StringFlag{Name: "primary.key", Required: true, Usage: "compressed hex pubkey every blob must be signed by"},
			&cli.DurationFlag{Name: "sync.interval", Value: 5 * time.Minute, Usage: "sync cycle cadence"},
			&cli.IntFlag{Name: "sync.max-errors", Value: 10, Usage: "consecutive cycle failures before giving up"},
			&cli.Float64Flag{Name: "verify.similarity-threshold", Value: weights.DefaultSimilarityThreshold, Usage: "minimum cosine similarity to the primary's weights"},
			&cli.Float64Flag{Name: "verify.drift-tolerance", Value: auditor.DefaultDriftTolerance, Usage: "accumulator drift tolerance"},
			&cli.BoolFlag{Name: "paused", Usage: "start with weight submission paused"},
			&cli.StringFlag{Name: "verbosity", Value: "info", Usage: "log level"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	logger, err := utils.SetupLogger(cliCtx.String("verbosity"))
	if err != nil {
		return err
	}

	dirs, err := datadir.New(cliCtx.String("datadir"))
	if err != nil {
		return err
	}
	lock, err := datadir.MustFlock(dirs)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	priv, err := utils.LoadOrCreateKey(filepath.Join(dirs.Keys, "auditor.key"), logger)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	syncer, err := auditor.NewSyncer(fs, dirs.Ledger, auditor.DefaultControllerConfig(), logger)
	if err != nil {
		return err
	}
	if cliCtx.Bool("paused") {
		if err := syncer.SetOperatorPause(true); err != nil {
			return err
		}
	}

	chain, err := auditor.NewFileChain(fs, filepath.Join(dirs.DataDir, "chain"))
	if err != nil {
		return err
	}
	registry := auditor.NewRegistry(logger)
	task := auditor.NewWeightVerificationTask(chain, chain, cliCtx.Float64("verify.similarity-threshold"), logger)
	if err := registry.Register(task); err != nil {
		return err
	}

	attLog, err := auditor.NewAttestationLog(fs, dirs.Ledger)
	if err != nil {
		return err
	}

	client := store.NewClient(cliCtx.String("primary.url"), priv, logger)
	logger.Info("[auditor] starting", "identity", client.PubKey(), "primary", cliCtx.String("primary.url"))

	cfg := auditor.DefaultRuntimeConfig(cliCtx.String("primary.key"))
	cfg.Interval = cliCtx.Duration("sync.interval")
	cfg.MaxConsecutiveErrors = cliCtx.Int("sync.max-errors")
	verifier := auditor.NewVerifier(cliCtx.Float64("verify.drift-tolerance"), logger)
	runtime := auditor.NewRuntime(cfg, client, syncer, verifier, registry, priv, attLog, logger)

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = runtime.Run(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	logger.Info("[auditor] shut down")
	return nil
}
