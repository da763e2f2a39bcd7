package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/caulkdb/caulk/admin"
	"github.com/caulkdb/caulk/cfg"
	"github.com/caulkdb/caulk/hlc"
	"github.com/caulkdb/caulk/id"
	"github.com/caulkdb/caulk/nodeops"
	"github.com/caulkdb/caulk/repair"
	"github.com/caulkdb/caulk/storage"
	"github.com/caulkdb/caulk/telemetry"
	"github.com/caulkdb/caulk/topology"
	"github.com/caulkdb/caulk/transport"
)

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Caulk - Anti-Entropy Repair Coordinator")
	telemetry.InitializeTelemetry(cfg.Config.Prometheus.Enabled, cfg.Config.NodeID)
	telemetry.InitMetrics()

	clock := hlc.NewClock(cfg.Config.NodeID)
	self := topology.Peer{
		NodeID:     cfg.Config.NodeID,
		Addr:       cfg.Config.Cluster.AdvertiseAddress,
		Datacenter: cfg.Config.Cluster.Datacenter,
		Rack:       cfg.Config.Cluster.Rack,
	}

	// Build the ring from seeds plus this node. Seed entries are
	// "node_id@address".
	ring := topology.NewRing(cfg.Config.Cluster.ReplicationFactor, cfg.Config.Cluster.VirtualNodes)
	liveness := topology.NewStaticLiveness()
	ring.AddPeer(self)
	liveness.MarkUp(self)
	for _, seed := range cfg.Config.Cluster.SeedNodes {
		peer, err := parseSeed(seed)
		if err != nil {
			log.Warn().Err(err).Str("seed", seed).Msg("Skipping malformed seed node")
			continue
		}
		if peer.NodeID == self.NodeID {
			continue
		}
		ring.AddPeer(peer)
		liveness.MarkUp(peer)
	}
	log.Info().Int("nodes", ring.Count()).Msg("Ring initialized")

	// Transport
	requestTimeout := time.Duration(cfg.Config.Repair.RequestTimeoutMS) * time.Millisecond
	nats, err := transport.NewNatsTransport(cfg.Config.Cluster.NatsURL, cfg.Config.NodeID, requestTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
		return
	}
	defer nats.Close()

	// Storage and repair history
	store := storage.NewMemStore()

	var history *repair.HistoryStore
	if cfg.Config.History.Enabled {
		history, err = repair.OpenHistoryStore(cfg.HistoryPath())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open repair history store")
			return
		}
		if err := history.Load(); err != nil {
			log.Fatal().Err(err).Msg("Failed to load repair history")
			return
		}
	} else {
		history = repair.NewHistoryStore(nil)
	}
	defer history.Close()

	// Repair service
	algorithm := transport.DiffSet
	if cfg.Config.Repair.DiffAlgorithm == "tree" {
		algorithm = transport.DiffTree
	}

	svc, err := repair.NewService(repair.ServiceConfig{
		Self:             self,
		Placement:        ring,
		Liveness:         liveness,
		Transport:        nats,
		Store:            store,
		Clock:            clock,
		History:          history,
		SchemaVersion:    schemaVersion(store),
		MaxMemoryBytes:   cfg.MaxRepairMemoryBytes(),
		RowBufBytes:      cfg.RowBufferBytes(),
		Algorithm:        algorithm,
		RangesInParallel: cfg.Config.Repair.RangesInParallel,
		RequestTimeout:   requestTimeout,
		FlushTimeout:     time.Duration(cfg.Config.Repair.FlushTimeoutMS) * time.Millisecond,
		RotateSeeds:      cfg.Config.Repair.HashSeedRotation,
		TableFilter:      cfg.Config.Repair.TableFilter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize repair service")
		return
	}

	if err := nats.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start transport")
		return
	}

	// Node operation coordinator
	ops := nodeops.NewCoordinator(self, ring, svc, nil, time.Hour, id.NewHLCGenerator(clock))

	// Admin API and metrics
	var adminServer *http.Server
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewHandlers(self, svc, ops, ring, liveness))
		if cfg.Config.Prometheus.Enabled {
			mux.Handle("/metrics", telemetry.GetMetricsHandler())
		}

		adminServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler: mux,
		}
		go func() {
			log.Info().Str("addr", adminServer.Addr).Msg("Admin API listening")
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Admin API server failed")
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("nats_url", cfg.Config.Cluster.NatsURL).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	// Run until signalled, then drain repairs before exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Stringer("signal", sig).Msg("Shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Stop(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Repair drain incomplete")
	}
	if adminServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		_ = adminServer.Shutdown(shutdownCtx)
		cancelShutdown()
	}
}

// parseSeed parses a "node_id@address" seed entry.
func parseSeed(seed string) (topology.Peer, error) {
	idStr, addr, found := strings.Cut(seed, "@")
	if !found {
		return topology.Peer{}, fmt.Errorf("seed %q is not in node_id@address form", seed)
	}
	nodeID, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil || nodeID == 0 {
		return topology.Peer{}, fmt.Errorf("seed %q has invalid node id", seed)
	}
	return topology.Peer{NodeID: nodeID, Addr: addr}, nil
}

// schemaVersion derives a version token from the table catalog so peers
// can detect disagreement before exchanging rows.
func schemaVersion(store storage.Store) string {
	tables := store.Tables()
	sort.Strings(tables)

	h := xxhash.New()
	for _, t := range tables {
		_, _ = h.WriteString(t)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
