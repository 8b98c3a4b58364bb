package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"swapbook/internal/assets"
	"swapbook/internal/common"
	"swapbook/internal/config"
	"swapbook/internal/engine"
	"swapbook/internal/journal"
	"swapbook/internal/net"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}

	zerolog.SetGlobalLevel(cfg.LogLevel())
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	// Assets, seeded from the genesis section.
	custodian := common.Address(cfg.Ledger.Custodian)
	vault := assets.NewVault(custodian)
	for _, g := range cfg.Genesis {
		if err := vault.Mint(common.Address(g.Holder), common.AssetID(g.Asset), g.Amount); err != nil {
			log.Fatal().Err(err).Str("holder", g.Holder).Str("asset", g.Asset).Msg("unable to mint genesis funds")
		}
	}

	// Setup the ledger, the TCP server and the optional journal.
	ledger := engine.New(vault, custodian, engine.WithSelfTrade(cfg.Ledger.AllowSelfTrade))
	srv := net.New(cfg.Server.Address, cfg.Server.Port, cfg.Server.Workers, ledger, vault)

	reporters := engine.Reporters{srv}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to open journal")
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Error().Err(err).Msg("unable to close journal")
			}
		}()
		reporters = append(reporters, j)
	}
	ledger.SetReporter(reporters)

	// Block on running the server.
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
	}
}
