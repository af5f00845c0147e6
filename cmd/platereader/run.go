package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/broadcast"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/certs"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/config"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/events"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/inference"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/ingest/mjpeg"
	srtingest "github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/ingest/srt"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/logging"
	"github.com/Davidiasdesousa/cortex-license-plate-reader-client/internal/stream"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the recognition node",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().String("srt-addr", "", "listen address for SRT ingest (overrides config)")
	runCmd.Flags().String("api-addr", "", "listen address for the HTTPS/HTTP3 API (overrides config)")
	runCmd.Flags().Int("workers", 0, "inference worker count (overrides config)")
	runCmd.Flags().Int("decimation", 0, "keep every Nth frame (overrides config)")
	runCmd.Flags().Int("threshold", 0, "queue depth that triggers shedding (overrides config)")
	runCmd.Flags().String("log-level", "", "log level: debug, info, warn or error (overrides config)")
}

// applyFlags layers explicitly-set command line flags over cfg, the last
// step of the flags > environment > file > defaults precedence chain.
func applyFlags(cfg *config.Config, flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "srt-addr":
			cfg.Ingest.SRTAddr = f.Value.String()
		case "api-addr":
			cfg.Broadcast.Addr = f.Value.String()
		case "workers":
			if n, err := strconv.Atoi(f.Value.String()); err == nil {
				cfg.Pool.WorkerCount = n
			}
		case "decimation":
			if n, err := strconv.Atoi(f.Value.String()); err == nil {
				cfg.Segment.DecimationFactor = n
			}
		case "threshold":
			if n, err := strconv.Atoi(f.Value.String()); err == nil {
				cfg.Shed.QueueDepthThreshold = n
			}
		case "log-level":
			cfg.Log.Level = f.Value.String()
		}
	})
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.Setup(logging.Config{
		Level:          cfg.Log.Level,
		Format:         cfg.Log.Format,
		File:           cfg.Log.File,
		FileMaxSizeMB:  cfg.Log.FileMaxSizeMB,
		FileMaxBackups: cfg.Log.FileMaxBackups,
		FileMaxAgeDays: cfg.Log.FileMaxAgeDays,
	})

	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(cfg.Broadcast.CertValidity.Std())
	if err != nil {
		log.Error("failed to generate certificate", "error", xerrors.New(err.Error()))
		return err
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	engine, err := inference.NewClient(inference.ClientConfig{
		Endpoint: cfg.Inference.Endpoint,
		Timeout:  cfg.Inference.Timeout.Std(),
	}, log)
	if err != nil {
		return err
	}

	bus := events.New()
	manager := stream.NewManager(cfg, engine, bus, log)

	log.Info("platereader starting",
		"version", version,
		"node", cfg.Node.Name,
		"srt", cfg.Ingest.SRTAddr,
		"api", cfg.Broadcast.Addr,
		"workers", cfg.Pool.WorkerCount,
		"mjpeg_sources", len(cfg.Ingest.MJPEGSources),
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	// The caller is created after the errgroup so the pull closure captures
	// the errgroup-derived context, ensuring pulls shut down when any
	// component fails.
	caller := srtingest.NewCaller(manager, log)
	srtSrv := srtingest.NewServer(cfg.Ingest.SRTAddr, manager, log)

	apiSrv, err := broadcast.NewServer(broadcast.ServerConfig{
		Addr:     cfg.Broadcast.Addr,
		Cert:     cert,
		Version:  version,
		Bus:      bus,
		Feeds:    manager.FeedInfos,
		Snapshot: manager.Snapshot,
		Debug:    manager.Debug,
		Relay: func(key string) *broadcast.Relay {
			r, ok := manager.RelayFor(key)
			if !ok {
				return nil
			}
			return r
		},
		SRTPull: func(address, feedKey, streamID string) error {
			return caller.Pull(ctx, srtingest.PullRequest{
				Address:  address,
				FeedKey:  feedKey,
				StreamID: streamID,
			})
		},
		SRTStop: caller.Stop,
		SRTList: listSRTPulls(caller),
	})
	if err != nil {
		log.Error("failed to create broadcast server", "error", xerrors.New(err.Error()))
		return err
	}

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		return apiSrv.Start(ctx)
	})

	for key, url := range cfg.Ingest.MJPEGSources {
		puller := mjpeg.NewPuller(manager, log)
		g.Go(func() error {
			if err := puller.Run(ctx, key, url); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	watcher := config.NewWatcher(cfgPath, log)
	unsubscribe := watcher.OnReload(func(next config.Config) {
		logging.SetLevel(next.Log.Level)
		manager.ApplyConfig(next)
	})
	defer unsubscribe()
	if err := watcher.Start(); err != nil {
		log.Warn("config watcher disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	err = g.Wait()

	// Feeds already saw the cancellation through their own contexts;
	// StopAll waits for every pipeline to finish draining.
	stopCtx, stopCancel := context.WithTimeout(context.Background(),
		cfg.Pool.StopTimeout.Std()+5*time.Second)
	defer stopCancel()
	if stopErr := manager.StopAll(stopCtx); stopErr != nil {
		log.Warn("feeds did not stop cleanly", "error", stopErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("node error", "error", xerrors.New(err.Error()))
		return err
	}
	log.Info("node stopped")
	return nil
}

func listSRTPulls(caller *srtingest.Caller) broadcast.SRTListFunc {
	return func() []broadcast.SRTPullInfo {
		pulls := caller.ActivePulls()
		out := make([]broadcast.SRTPullInfo, len(pulls))
		for i, p := range pulls {
			out[i] = broadcast.SRTPullInfo{
				Address:  p.Address,
				FeedKey:  p.FeedKey,
				StreamID: p.StreamID,
			}
		}
		return out
	}
}
