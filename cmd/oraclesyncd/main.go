// Command oraclesyncd runs one oracle node's availability consensus
// engine: it wires the roster, epoch clock, availability store, blob
// offload, message transport, and consensus state machine together and
// drives them until an interrupt or terminate signal arrives, following the
// teacher's cobra-rooted command construction.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ratio1/edge-node-sub001/internal/blob"
	"github.com/Ratio1/edge-node-sub001/internal/config"
	"github.com/Ratio1/edge-node-sub001/internal/directory"
	"github.com/Ratio1/edge-node-sub001/internal/engine"
	"github.com/Ratio1/edge-node-sub001/internal/epochclock"
	"github.com/Ratio1/edge-node-sub001/internal/httppeer"
	applog "github.com/Ratio1/edge-node-sub001/internal/log"
	"github.com/Ratio1/edge-node-sub001/internal/registry"
	"github.com/Ratio1/edge-node-sub001/internal/roster"
	"github.com/Ratio1/edge-node-sub001/internal/signing"
	"github.com/Ratio1/edge-node-sub001/internal/store"
	"github.com/Ratio1/edge-node-sub001/internal/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath   string
		dataDir      string
		registryFile string
		keySeedFile  string
		peers        []string
		httpAddr     string
		metricsAddr  string
		logLevel     string
		epochLength  time.Duration
		genesisUnix  int64
	)

	cmd := &cobra.Command{
		Use:   "oraclesyncd",
		Short: "Runs the oracle availability consensus engine for one node",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()
			cfg, err := config.Load(fs, configPath, cmd.Flags())
			if err != nil {
				return err
			}

			logger, err := applog.New(logLevel)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck
			logger.Info("starting oracle sync node", zap.Object("config", &cfg))

			reg, err := registry.Load(fs, registryFile)
			if err != nil {
				return err
			}

			signer, err := loadOrCreateSigner(fs, keySeedFile)
			if err != nil {
				return err
			}
			verifier := signing.NewVerifier(reg)
			logger.Info("node identity resolved", zap.String("address", string(signer.Address())))

			genesis := time.Unix(genesisUnix, 0)
			clock := epochclock.New(nil, genesis, epochLength)

			oracleRoster := roster.New(reg, cfg.OracleListRefreshInterval, roster.WithLogger(applog.Named(logger, "roster")))
			nodeDirectory := directory.New(reg, cfg.OracleListRefreshInterval, directory.WithLogger(applog.Named(logger, "directory")))

			st, err := store.Open(dataDir, store.WithLogger(applog.Named(logger, "store")), store.WithObserver(reg))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close() //nolint:errcheck

			blobStore, err := blob.Open(dataDir+"/blobs", cfg.UseBlobOffload)
			if err != nil {
				return fmt.Errorf("open blob store: %w", err)
			}
			defer blobStore.Close() //nolint:errcheck

			peerBroadcaster := httppeer.New(peers, 5*time.Second, httppeer.WithLogger(applog.Named(logger, "httppeer")))
			xport := transport.New(signer, verifier, peerBroadcaster, oracleRoster, cfg.InboxCapacityPerSender,
				transport.WithLogger(applog.Named(logger, "transport")),
				transport.WithBlobResolver(transport.BlobResolver{Store: blobStore}),
			)

			eng := engine.New(signer, verifier, oracleRoster, nodeDirectory, clock, st, xport, cfg,
				engine.WithLogger(applog.Named(logger, "engine")),
				engine.WithBlob(blobStore),
			)

			mux := http.NewServeMux()
			mux.Handle("/oracle/message", httppeer.Handler(xport))
			mux.Handle("/metrics", promhttp.Handler())
			server := &http.Server{Addr: httpAddr, Handler: mux}
			metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return eng.Run(gctx) })
			g.Go(func() error {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			if metricsAddr != "" && metricsAddr != httpAddr {
				g.Go(func() error {
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
				_ = metricsServer.Shutdown(shutdownCtx)
				return nil
			})

			return g.Wait()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML/JSON configuration file")
	flags.StringVar(&dataDir, "data-dir", "./data", "directory for the availability store and blob cache")
	flags.StringVar(&registryFile, "registry-file", "registry.json", "path to the static oracle/node registry snapshot")
	flags.StringVar(&keySeedFile, "key-seed-file", "node.key", "path to this node's 32-byte ed25519 signing seed")
	flags.StringSliceVar(&peers, "peers", nil, "base URLs of peer oracle nodes")
	flags.StringVar(&httpAddr, "http-addr", ":7700", "listen address for the inbound oracle message endpoint")
	flags.StringVar(&metricsAddr, "metrics-addr", ":7701", "listen address for the Prometheus metrics endpoint")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.DurationVar(&epochLength, "epoch-length", time.Hour, "fixed wall-clock length of one epoch")
	flags.Int64Var(&genesisUnix, "genesis-unix", 0, "unix timestamp of epoch 0's start")

	cmd.SetContext(context.Background())
	return cmd
}

// loadOrCreateSigner reads a 32-byte ed25519 seed from seedPath, generating
// and persisting a fresh one on first run.
func loadOrCreateSigner(fs afero.Fs, seedPath string) (*signing.Signer, error) {
	seed, err := afero.ReadFile(fs, seedPath)
	if err == nil {
		return signing.NewSigner(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing seed: %w", err)
	}
	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("generate signing seed: %w", err)
	}
	if err := afero.WriteFile(fs, seedPath, fresh, 0o600); err != nil {
		return nil, fmt.Errorf("persist signing seed: %w", err)
	}
	return signing.NewSigner(fresh)
}
