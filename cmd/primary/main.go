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

// The primary node: exports signed ledger windows from the scoring database
// and serves them over HTTP behind the access gate.
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
	"golang.org/x/sync/errgroup"

	"github.com/veriledger/veriledger/auth"
	"github.com/veriledger/veriledger/cmd/utils"
	"github.com/veriledger/veriledger/datadir"
	"github.com/veriledger/veriledger/ledger/store"
)

func main() {
	app := &cli.App{
		Name:  "veriledger-primary",
		Usage: "export and serve the signed scoring ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "datadir", Value: "veriledger-primary-data", Usage: "data directory"},
			&cli.StringFlag{Name: "addr", Value: "localhost:8643", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "score.file", Value: "scores.json", Usage: "scoring database file, relative to datadir unless absolute"},
			&cli.StringFlag{Name: "snapshot.file", Value: "eligibility.json", Usage: "eligibility snapshot file, relative to datadir unless absolute"},
			&cli.DurationFlag{Name: "export.checkpoint-interval", Value: 6 * time.Hour, Usage: "checkpoint export cadence"},
			&cli.DurationFlag{Name: "export.delta-interval", Value: 10 * time.Minute, Usage: "delta export cadence"},
			&cli.Uint64Flag{Name: "auth.min-stake", Value: auth.DefaultConfig().MinStake, Usage: "minimum stake for ledger access"},
			&cli.DurationFlag{Name: "auth.token-ttl", Value: auth.DefaultConfig().TokenTTL, Usage: "bearer token lifetime"},
			&cli.IntFlag{Name: "auth.rate-per-hour", Value: auth.DefaultConfig().RatePerHour, Usage: "blob requests per identity per hour"},
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

	priv, err := utils.LoadOrCreateKey(filepath.Join(dirs.Keys, "primary.key"), logger)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	st, err := store.NewFsStore(fs, dirs.Ledger)
	if err != nil {
		return err
	}

	src := store.NewFileScoreSource(fs, utils.ResolvePath(dirs.DataDir, cliCtx.String("score.file")))
	exporter, err := store.NewExporter(store.ExporterConfig{
		CheckpointInterval: cliCtx.Duration("export.checkpoint-interval"),
		DeltaInterval:      cliCtx.Duration("export.delta-interval"),
	}, src, st, priv, logger)
	if err != nil {
		return err
	}
	logger.Info("[primary] starting", "identity", exporter.PubKey(), "epoch", exporter.Epoch())

	authCfg := auth.DefaultConfig()
	authCfg.MinStake = cliCtx.Uint64("auth.min-stake")
	authCfg.TokenTTL = cliCtx.Duration("auth.token-ttl")
	authCfg.RatePerHour = cliCtx.Int("auth.rate-per-hour")
	policy, err := auth.NewAccessPolicy(authCfg, logger)
	if err != nil {
		return err
	}
	defer policy.Close()

	snapSrc := auth.NewFileSnapshotSource(fs, utils.ResolvePath(dirs.DataDir, cliCtx.String("snapshot.file")))

	ctx, stop := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exporter.Run(gctx) })
	g.Go(func() error {
		auth.RefreshLoop(gctx, snapSrc, policy, 5*time.Minute, logger)
		return nil
	})
	g.Go(func() error {
		server := store.NewServer(st, exporter, policy, logger)
		return server.ListenAndServe(cliCtx.String("addr"))
	})

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	logger.Info("[primary] shut down")
	return nil
}
