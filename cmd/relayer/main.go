// Package main provides the entrypoint of relayer, the cross-chain HTLC
// relayer daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/atomicbridge/htlc-relayer/internal/chain/ethereum"
	"github.com/atomicbridge/htlc-relayer/internal/chain/near"
	"github.com/atomicbridge/htlc-relayer/internal/config"
	"github.com/atomicbridge/htlc-relayer/internal/coordinator"
	"github.com/atomicbridge/htlc-relayer/internal/executor"
	"github.com/atomicbridge/htlc-relayer/internal/metrics"
	"github.com/atomicbridge/htlc-relayer/internal/retry"
	"github.com/atomicbridge/htlc-relayer/internal/store"
	"github.com/atomicbridge/htlc-relayer/internal/supervisor"
)

var log = logging.Logger("relayer")

const (
	flagConfig     = "config"
	flagEnv        = "env"
	flagLogLevel   = "log-level"
	flagStorageDir = "storage-dir"
	flagDryRun     = "dry-run"
)

// Exit codes, distinguished so a supervising process manager (systemd,
// docker) can tell a bad config apart from a runtime failure.
const (
	exitOK           = 0
	exitRuntimeError = 1
	exitConfigError  = 2
	exitStorageError = 3
	exitInterrupted  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	app := &cli.App{
		Name:  "relayer",
		Usage: "Cross-chain HTLC relayer between Ethereum and NEAR",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "Path to the relayer's JSON configuration file",
				Required: true,
				EnvVars:  []string{"RELAYER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    flagEnv,
				Usage:   "Override the configured deployment environment (development|staging|production)",
				EnvVars: []string{"RELAYER_ENV"},
			},
			&cli.StringFlag{
				Name:    flagLogLevel,
				Usage:   "Override relayer.logLevel (error|warn|info|debug)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    flagStorageDir,
				Usage:   "Override relayer.storageDir",
				EnvVars: []string{"STORAGE_DIR"},
			},
			&cli.BoolFlag{
				Name:  flagDryRun,
				Usage: "Load and validate configuration, then exit without starting listeners",
			},
		},
		Action: runRelayer,
		Commands: []*cli.Command{
			{
				Name:      "resume",
				Usage:     "Reset a failed swap; the relayer re-dispatches it on its next start",
				ArgsUsage: "<message_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagConfig,
						Aliases:  []string{"c"},
						Required: true,
						EnvVars:  []string{"RELAYER_CONFIG"},
					},
				},
				Action: runResume,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%s", err)
		switch err.(type) {
		case *exitError:
			return err.(*exitError).code
		default:
			return exitRuntimeError
		}
	}
	return exitOK
}

// exitError pairs an error with the process exit code it should produce.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, &exitError{code: exitConfigError, err: err}
	}
	if env := c.String(flagEnv); env != "" {
		cfg.Environment = config.Environment(env)
	}
	if lvl := c.String(flagLogLevel); lvl != "" {
		cfg.Relayer.LogLevel = lvl
	}
	if dir := c.String(flagStorageDir); dir != "" {
		cfg.Relayer.StorageDir = dir
	}
	return cfg, nil
}

func setLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("unrecognized log level %q, leaving default", level)
		return
	}
	logging.SetAllLoggers(lvl)
}

func runRelayer(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setLogLevel(cfg.Relayer.LogLevel)
	log.Infof("starting relayer in %s environment", cfg.Environment)

	if c.Bool(flagDryRun) {
		log.Infof("dry run: configuration is valid, exiting")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := buildEnvironment(ctx, cfg)
	if err != nil {
		return &exitError{code: exitStorageError, err: err}
	}
	defer env.close()

	watcher, err := config.NewWatcher(c.String(flagConfig), cfg, func(*config.Config) {
		log.Infof("configuration hot-reloaded")
	})
	if err != nil {
		log.Warnf("config hot-reload disabled: %s", err)
	} else {
		go watcher.Run()
		defer watcher.Stop()
	}

	if cfg.Relayer.EnableMetrics {
		go serveMetrics(cfg.Relayer.MetricsPort)
	}
	stopSampling := make(chan struct{})
	go sampleMetrics(env, stopSampling)
	defer close(stopSampling)

	err = env.supervisor.Run(ctx)
	if err != nil {
		return &exitError{code: exitRuntimeError, err: err}
	}
	if ctx.Err() != nil {
		log.Infof("shutdown signal received, exited cleanly")
		return &exitError{code: exitInterrupted, err: ctx.Err()}
	}
	return nil
}

func runResume(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return &exitError{code: exitConfigError, err: fmt.Errorf("resume: message_id argument is required")}
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setLogLevel(cfg.Relayer.LogLevel)

	st, err := store.New(cfg.Relayer.StorageDir)
	if err != nil {
		return &exitError{code: exitStorageError, err: err}
	}
	if err := st.Load(); err != nil {
		return &exitError{code: exitStorageError, err: err}
	}

	next, err := st.Resume(id)
	if err != nil {
		return &exitError{code: exitRuntimeError, err: err}
	}
	log.Infof("message_id=%s resumed to status=%s; start the relayer to re-dispatch it", id, next)
	return nil
}

// environment bundles every long-lived collaborator the relayer wires
// together; close releases the two chain adapters.
type environment struct {
	store       *store.Store
	ethAdapter  *ethereum.Adapter
	nearAdapter *near.Adapter
	executor    *executor.Executor
	supervisor  *supervisor.Supervisor
}

func (e *environment) close() {
	e.ethAdapter.Close()
	e.nearAdapter.Close()
}

func buildEnvironment(ctx context.Context, cfg *config.Config) (*environment, error) {
	st, err := store.New(cfg.Relayer.StorageDir)
	if err != nil {
		return nil, err
	}
	if err := st.Load(); err != nil {
		return nil, err
	}

	rpcTimeout := time.Duration(cfg.Relayer.RPCTimeoutMS) * time.Millisecond
	receiptTimeout := time.Duration(cfg.Relayer.ReceiptTimeoutMS) * time.Millisecond
	ethAdapter, err := ethereum.NewAdapter(ctx, cfg.Ethereum.Network.RPCURL, cfg.Ethereum.Network.ChainID, cfg.Ethereum.PrivateKey, cfg.Ethereum.Network.BlockConfirmations, rpcTimeout, receiptTimeout)
	if err != nil {
		return nil, err
	}

	nearAdapter, err := near.NewAdapter(ctx, cfg.Near.NodeURL, cfg.Near.NetworkID, cfg.Near.AccountID, cfg.Near.PrivateKey)
	if err != nil {
		ethAdapter.Close()
		return nil, err
	}

	table := retry.DefaultTable()
	applyRetryOverrides(table, cfg.Relayer)

	exec := executor.New(cfg.Relayer.ConcurrencyLimit, table)

	params := coordinator.Params{
		MinSafety:      time.Duration(cfg.Relayer.SafetyMarginSeconds) * time.Second,
		Delta:          time.Duration(cfg.Relayer.TimelockDeltaSeconds) * time.Second,
		RefundGrace:    time.Duration(cfg.Relayer.RefundGraceSeconds) * time.Second,
		EscrowFactory:  ethcommon.HexToAddress(cfg.Ethereum.EscrowFactoryAddress),
		BridgeContract: ethcommon.HexToAddress(cfg.Ethereum.BridgeContractAddress),
		NearEscrowID:   cfg.Near.EscrowContractID,
	}
	coord := coordinator.New(st, ethAdapter, nearAdapter, params)

	sup := supervisor.New(supervisor.Params{
		Store:           st,
		Executor:        exec,
		Coordinator:     coord,
		ShutdownTimeout: time.Duration(cfg.Relayer.ShutdownTimeoutSeconds) * time.Second,
	})

	pollInterval := time.Duration(cfg.Relayer.PollingInterval) * time.Millisecond

	ethStart, _ := st.Cursor("ethereum")
	nearStart, _ := st.Cursor("near")

	ethListener := ethereum.NewListener(
		ethAdapter,
		ethcommon.HexToAddress(cfg.Ethereum.BridgeContractAddress),
		ethcommon.HexToAddress(cfg.Ethereum.EscrowFactoryAddress),
		ethStart, pollInterval, uint64(cfg.Relayer.MaxBlocksPerTick), table,
		sup.HandleEthEvent,
		func(block uint64) {
			if err := st.SetCursor("ethereum", block); err != nil {
				log.Warnf("failed to persist ethereum cursor at block=%d: %s", block, err)
			}
		},
	)
	nearListener := near.NewListener(nearAdapter, nearStart, pollInterval, table, sup.HandleNearEvent,
		func(height uint64) {
			if err := st.SetCursor("near", height); err != nil {
				log.Warnf("failed to persist near cursor at height=%d: %s", height, err)
			}
		},
	)

	sup.SetListeners(ethListener, nearListener)

	return &environment{
		store:       st,
		ethAdapter:  ethAdapter,
		nearAdapter: nearAdapter,
		executor:    exec,
		supervisor:  sup,
	}, nil
}

func applyRetryOverrides(table retry.Table, rc config.RelayerConfig) {
	if rc.MaxRetries <= 0 {
		return
	}
	for op, p := range table {
		p.Retries = rc.MaxRetries
		if rc.RetryDelay > 0 {
			p.MinDelay = time.Duration(rc.RetryDelay) * time.Millisecond
		}
		table[op] = p
	}
}

func serveMetrics(port int) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	log.Infof("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server stopped: %s", err)
	}
}

func sampleMetrics(env *environment, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			metrics.JobsInFlight.Set(float64(env.executor.InFlightCount()))

			nonTerminal := env.store.NonTerminal()
			metrics.NonTerminalSwaps.Set(float64(len(nonTerminal)))
		}
	}
}
