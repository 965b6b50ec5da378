package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/slacerda85/ihodl-sub012/chaindb"
	"github.com/slacerda85/ihodl-sub012/chaindb/leveldb"
	"github.com/slacerda85/ihodl-sub012/chainsync"
	"github.com/slacerda85/ihodl-sub012/config"
	"github.com/slacerda85/ihodl-sub012/electrum"
	"github.com/slacerda85/ihodl-sub012/metrics"
	"github.com/slacerda85/ihodl-sub012/monitor"
	"github.com/slacerda85/ihodl-sub012/spv"
	"github.com/slacerda85/ihodl-sub012/swap"
	"github.com/slacerda85/ihodl-sub012/watchtower"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Debug = flag.Bool("debug", false, "debug logs")
var ConfigPath = flag.String("config", "./config.json", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
		return
	}

	logWriter := io.MultiWriter(zerolog.NewConsoleWriter(), &lumberjack.Logger{
		Filename:   cfg.LogPath,
		MaxSize:    32,
		MaxBackups: 8,
		Compress:   true,
	})
	log.Logger = zerolog.New(logWriter).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *Debug {
		log.Logger = log.Logger.Level(zerolog.DebugLevel).With().Logger()
	}

	params, err := networkParams(cfg.Network)
	if err != nil {
		log.Fatal().Err(err).Msg("bad network")
		return
	}

	storage, fresh, err := leveldb.NewDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
		return
	}
	db := chaindb.NewDB(storage)
	defer db.Close()
	if fresh {
		log.Info().Str("path", cfg.DBPath).Msg("created new database")
	}

	metrics.RegisterMetrics("walletnode")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsListenAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	validator := spv.NewValidator(params, db.HeaderSource(context.Background()))
	syncEngine := chainsync.NewEngine(db, validator, func(ctx context.Context) (chainsync.ChainSource, error) {
		return electrum.Dial(ctx, cfg.ElectrumAddr)
	})

	chainClient, err := electrum.Dial(context.Background(), cfg.ElectrumAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.ElectrumAddr).Msg("failed to connect to chain-query server")
		return
	}
	defer chainClient.Close()

	mon := monitor.NewMonitor(chainClient, monitor.Config{
		PollInterval:    time.Duration(cfg.PollIntervalSec) * time.Second,
		FallbackFeeRate: cfg.FallbackFeeRateSatVB,
	})
	defer mon.Stop()

	towers := watchtower.NewManager(
		watchtower.NewTCPDialer(time.Duration(cfg.TowerConnectTimeoutSec)*time.Second),
		watchtower.ClientConfig{
			ConnectTimeout:    time.Duration(cfg.TowerConnectTimeoutSec) * time.Second,
			HeartbeatInterval: time.Duration(cfg.TowerHeartbeatSec) * time.Second,
		},
		watchtower.NewStore(db.Storage()),
	)
	defer towers.DisconnectAll()

	for _, tc := range cfg.Towers {
		added, err := towers.AddWatchtower(context.Background(), tc.Address, tc.Pubkey)
		if err != nil {
			log.Warn().Err(err).Str("addr", tc.Address).Msg("tower not reachable")
		}
		if !added && err == nil {
			log.Warn().Str("addr", tc.Address).Msg("duplicate tower pubkey in config, skipped")
		}
	}

	swaps := swap.NewEngine(swap.Limits{
		MinAmount:  cfg.SwapLimits.MinAmountSat,
		MaxLoopIn:  cfg.SwapLimits.MaxLoopInSat,
		MaxLoopOut: cfg.SwapLimits.MaxLoopOutSat,
	}, mon, swap.NewStore(db.Storage()), cfg.FundingMinConf)
	defer swaps.Stop()

	go syncLoop(db, syncEngine, swaps, cfg)

	commandLoop(db, mon, towers, swaps)
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", name)
}

func syncLoop(db *chaindb.DB, engine *chainsync.Engine, swaps *swap.Engine, cfg *config.Config) {
	interval := time.Duration(cfg.SyncIntervalSec) * time.Second
	for {
		runCtx, cancel := context.WithTimeout(context.Background(), interval)
		err := engine.Sync(runCtx, cfg.MaxHeaderStorageBytes, nil)
		cancel()

		switch {
		case errors.Is(err, chaindb.ErrReorgDetected):
			log.Error().Err(err).Msg("chain reorg detected, resetting header store for re-sync")
			if err = db.Reset(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to reset header store")
			}
		case err != nil:
			log.Warn().Err(err).Msg("header sync failed")
		default:
			if cursor, err := db.GetCursor(context.Background()); err == nil {
				expired, err := swaps.CheckExpiry(context.Background(), cursor.Height)
				if err != nil {
					log.Warn().Err(err).Msg("swap expiry check failed")
				}
				for _, s := range expired {
					log.Info().Str("payment_hash", s.PaymentHash).Msg("swap expired, refund available")
				}
			}
		}

		time.Sleep(interval)
	}
}

func commandLoop(db *chaindb.DB, mon *monitor.Monitor, towers *watchtower.Manager, swaps *swap.Engine) {
	for {
		var cmd string
		if _, err := fmt.Scanln(&cmd); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			continue
		}

		switch cmd {
		case "status":
			cursor, err := db.GetCursor(context.Background())
			if err != nil {
				println("no headers synced yet")
				continue
			}
			println("synced height:", int(cursor.Height), "hash:", cursor.Hash.String())
			tx, addr := mon.Counts()
			println("watchers: tx =", tx, "addr =", addr)
		case "fees":
			rates := mon.RecommendedFeeRates(context.Background())
			fmt.Printf("urgent %d fast %d normal %d slow %d sat/vB\n",
				rates.Urgent, rates.Fast, rates.Normal, rates.Slow)
		case "towers":
			for _, s := range towers.Stats() {
				fmt.Printf("%s connected=%v authenticated=%v active=%d total=%d\n",
					s.TowerID, s.Connected, s.Authenticated, s.Active, s.Total)
			}
		case "swaps":
			list, err := swaps.List(context.Background())
			if err != nil {
				println("failed to list swaps:", err.Error())
				continue
			}
			for _, s := range list {
				fmt.Printf("%s %s %s %d sat locktime %d\n",
					s.PaymentHash, s.Type, s.State, s.OnchainAmountSat, s.Locktime)
			}
		case "reset":
			if err := db.Reset(context.Background()); err != nil {
				println("failed to reset header store:", err.Error())
				continue
			}
			println("header store cleared, will re-sync inside the storage window")
		case "quit", "exit":
			return
		default:
			println("commands: status, fees, towers, swaps, reset, quit")
		}
	}
}
