package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nodeprobe/nodeprobe/internal/config"
	"github.com/nodeprobe/nodeprobe/internal/geo"
	"github.com/nodeprobe/nodeprobe/internal/orchestrator"
	"github.com/nodeprobe/nodeprobe/internal/proberun"
	"github.com/nodeprobe/nodeprobe/internal/record"
	"github.com/nodeprobe/nodeprobe/internal/server"
	"github.com/nodeprobe/nodeprobe/internal/store"
	"github.com/nodeprobe/nodeprobe/internal/util"
	"github.com/nodeprobe/nodeprobe/internal/version"
)

const defaultConfigPath = "config.yaml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			flags := pflag.NewFlagSet("serve", pflag.ExitOnError)
			configPath := flags.StringP("config", "c", defaultConfigPath, "path to config file")
			_ = flags.Parse(os.Args[2:])
			runServer(*configPath)
			return
		case "check":
			flags := pflag.NewFlagSet("check", pflag.ExitOnError)
			configPath := flags.StringP("config", "c", defaultConfigPath, "path to config file")
			_ = flags.Parse(os.Args[2:])
			checkConfig(*configPath)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := pflag.StringP("config", "c", defaultConfigPath, "path to config file")
	pflag.Parse()
	runServer(*configPath)
}

func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func runServer(configPath string) {
	logger := util.NewLogger()
	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("config load failed", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var recordStore record.Store
	sqliteStore, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		// Degraded mode: results stay visible for this run but nothing
		// survives a restart.
		logger.Warn("durable store unavailable, falling back to memory", "path", cfg.Store.Path, "error", err)
		recordStore = store.NewMemory()
	} else {
		recordStore = sqliteStore
		logger.Info("record store opened", "path", cfg.Store.Path)
	}
	defer recordStore.Close()

	resolver, err := geo.OpenMaxMind(cfg.GeoIP.CityDB, cfg.GeoIP.ASNDB, cfg.GeoIP.LookupTimeout.Duration())
	if err != nil {
		logger.Error("geoip open failed", "error", err)
		os.Exit(1)
	}
	defer resolver.Close()

	prober := proberun.New(proberun.Config{
		PingBinary:       cfg.Probe.PingBinary,
		TracerouteBinary: cfg.Probe.TracerouteBinary,
		PingCount:        cfg.Probe.PingCount,
		PingTimeout:      cfg.Probe.PingTimeout.Duration(),
		TraceMaxHops:     cfg.Probe.TraceMaxHops,
		TraceHopWait:     cfg.Probe.TraceHopWait.Duration(),
		TraceTimeout:     cfg.Probe.TraceTimeout.Duration(),
	})

	singleBytes, err := cfg.SingleBytes()
	if err != nil {
		logger.Error("invalid single_bytes", "error", err)
		os.Exit(1)
	}
	multiBytes, err := cfg.MultiBytes()
	if err != nil {
		logger.Error("invalid multi_bytes", "error", err)
		os.Exit(1)
	}

	hub := server.NewProgressHub(ctx.Done())
	orch := orchestrator.New(orchestrator.Config{
		Store:    recordStore,
		Prober:   prober,
		Resolver: resolver,
		Logger:   logger,
		Notify:   hub.BroadcastStatus,
		Transfer: orchestrator.TransferConfig{
			BaseURL:     transferBaseURL(cfg),
			SingleBytes: singleBytes,
			MultiBytes:  multiBytes,
			Streams:     cfg.Transfer.Streams,
			Timeout:     cfg.Transfer.Timeout.Duration(),
		},
	})

	srv := server.New(cfg.Server, recordStore, orch, hub, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")
	cancel()
	orch.Shutdown()
}

// transferBaseURL defaults to this server's own transfer endpoints when
// no peer is configured. A wildcard bind is not dialable, so loopback
// substitutes for it.
func transferBaseURL(cfg config.Config) string {
	if cfg.Transfer.BaseURL != "" {
		return cfg.Transfer.BaseURL
	}
	host := cfg.Server.BindAddr
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + util.NetJoin(host, cfg.Server.BindPort)
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: listening on %s, store %s\n",
		util.NetJoin(cfg.Server.BindAddr, cfg.Server.BindPort), cfg.Store.Path)
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`nodeprobe - network path quality measurement service

Usage:
  nodeprobe serve --config <path>  Start the measurement server
  nodeprobe check --config <path>  Validate config file
  nodeprobe help                   Show this help
  nodeprobe version                Print version

Legacy:
  nodeprobe --config <path>
`)
}
