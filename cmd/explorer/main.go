package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/consequence/explorer/internal/agent"
	"github.com/consequence/explorer/internal/announce"
	"github.com/consequence/explorer/internal/bus"
	"github.com/consequence/explorer/internal/config"
	"github.com/consequence/explorer/internal/peers"
	"github.com/consequence/explorer/internal/protocol"
	"github.com/consequence/explorer/internal/server"
	"github.com/consequence/explorer/internal/session"
	"github.com/consequence/explorer/internal/store"
	"github.com/consequence/explorer/internal/transport"
)

const (
	version = "0.1.0"

	peerRefreshInterval = 5 * time.Minute
	peerStaleAfter      = 30 * time.Minute
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := configure(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Printf("Invalid configuration: %v", err)
		return 2
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	log.Printf("Consequence Explorer v%s starting...", version)

	st, err := openStore(cfg.StoreDir)
	if err != nil {
		log.Printf("Failed to open store: %v", err)
		return 1
	}

	peer, err := resolvePeer(cfg.Peer, st)
	if err != nil {
		log.Printf("%v", err)
		return 2
	}

	// Initialize peer registry with the selected peer
	registry := peers.NewRegistry()
	selected, err := peers.ParsePeer(peer, peers.SourceSelected)
	if err != nil {
		log.Printf("Invalid peer: %v", err)
		return 2
	}
	registry.Add(selected)

	personas, err := agent.New(st, agent.WithLogger(logger.With("component", "agent")))
	if err != nil {
		log.Printf("Failed to restore personas: %v", err)
		return 1
	}

	interval, _ := cfg.Reconnect.Interval()
	policy, err := transport.NewPolicy(cfg.Reconnect.Mode, interval)
	if err != nil {
		log.Printf("Invalid reconnect policy: %v", err)
		return 2
	}

	socket := transport.New(transport.URL(cfg.Scheme, peer),
		transport.WithLogger(logger.With("component", "transport")),
		transport.WithPolicy(policy),
		transport.WithSubprotocol(cfg.Subprotocol))

	loop := session.NewLoop()
	client := session.New(socket,
		session.WithLogger(logger.With("component", "session")),
		session.WithExecutor(loop),
		session.WithStore(st),
		session.WithPeers(registry),
		session.WithSigner(personas),
		session.WithSeriesLength(cfg.SeriesLength),
		session.WithRankingFilter(cfg.RankingFilter))
	socket.SetHandler(client)

	log.Printf("Ledger peer: %s", socket.URL())
	log.Printf("Explorer API: %s", cfg.Listen)

	srvOpts := []server.Option{server.WithLogger(logger.With("component", "server"))}

	var announcer *announce.Service
	if cfg.Announce.Enabled {
		announcer, err = startAnnouncer(cfg, peer, client, logger)
		if err != nil {
			// The API still works without advertisement.
			log.Printf("Failed to announce: %v", err)
		} else {
			srvOpts = append(srvOpts, server.WithAnnouncer(announcer))
		}
	}

	srv := server.New(cfg.Listen, client, personas, registry, srvOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go loop.Run(ctx)
	go maintainPeers(ctx, client, registry)

	socketDone := make(chan error, 1)
	go func() { socketDone <- socket.Run(ctx) }()

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	socketEnded := false
	select {
	case <-quit:
		log.Println("Shutting down...")
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			code = 1
		}
	case err := <-socketDone:
		log.Printf("Peer connection ended: %v", err)
		code = 1
		socketEnded = true
	}

	if announcer != nil {
		announcer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	cancel()
	if !socketEnded {
		<-socketDone
	}

	log.Println("Explorer stopped")
	return code
}

// configure layers flags over the config file over the defaults.
func configure(args []string) (config.File, error) {
	fs := flag.NewFlagSet("explorer", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	peer := fs.String("peer", "", "Ledger peer host:port")
	scheme := fs.String("scheme", "", "Peer URL scheme (ws or wss)")
	listen := fs.String("listen", "", "Explorer API listen address")
	storeDir := fs.String("store", "", "Directory for persisted state (empty keeps state in memory)")
	rankingFilter := fs.Float64("ranking-filter", 0, "Hide graph nodes ranked below this percentage")
	reconnect := fs.String("reconnect", "", "Reconnect mode (immediate or exponential)")
	announceAPI := fs.Bool("announce", false, "Advertise the explorer API over mDNS")
	name := fs.String("name", "", "Instance name for mDNS")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")

	cfg := config.Default()
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "peer":
			cfg.Peer = *peer
		case "scheme":
			cfg.Scheme = *scheme
		case "listen":
			cfg.Listen = *listen
		case "store":
			cfg.StoreDir = *storeDir
		case "ranking-filter":
			cfg.RankingFilter = *rankingFilter
		case "reconnect":
			cfg.Reconnect.Mode = *reconnect
		case "announce":
			cfg.Announce.Enabled = *announceAPI
		case "name":
			cfg.Announce.Name = *name
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	return cfg, config.Validate(cfg)
}

func openStore(dir string) (store.Store, error) {
	if dir == "" {
		return store.NewMemory(), nil
	}
	return store.NewFile(dir)
}

// resolvePeer picks the configured peer, persisting it as the selection, or
// falls back to the last selection.
func resolvePeer(configured string, st store.Store) (string, error) {
	if configured != "" {
		if err := store.SaveJSON(st, store.KeySelectedNode, configured); err != nil {
			return "", fmt.Errorf("failed to persist selected peer: %w", err)
		}
		return configured, nil
	}

	var saved string
	err := store.LoadJSON(st, store.KeySelectedNode, &saved)
	switch {
	case err == nil && saved != "":
		return saved, nil
	case err == nil || store.IsNotFound(err):
		return "", errors.New("no ledger peer configured: set -peer or peer in the config file")
	default:
		return "", fmt.Errorf("failed to load selected peer: %w", err)
	}
}

func startAnnouncer(cfg config.File, peer string, client *session.Client, logger *slog.Logger) (*announce.Service, error) {
	_, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}

	instance := resolveDeviceName(cfg.Announce.Name)
	svc := announce.New(instance, port,
		announce.WithLogger(logger.With("component", "announce")),
		announce.WithFields(map[string]string{
			"version": version,
			"peer":    peer,
		}))
	if err := svc.Start(); err != nil {
		return nil, err
	}

	// Lives for the process; the bus goes away with it.
	bus.SubscribeJSON(client.Bus(), protocol.TypeTipHeader, nil, func(tip protocol.PremiseIDHeaderPair) {
		svc.Update(map[string]string{"tip": strconv.FormatInt(tip.Header.Height, 10)})
	})

	log.Printf("Announcing as '%s' on port %d", instance, port)
	return svc, nil
}

// maintainPeers refreshes the peer list and drops reported peers not seen
// for a while.
func maintainPeers(ctx context.Context, client *session.Client, registry *peers.Registry) {
	ticker := time.NewTicker(peerRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.RequestPeers(); err != nil && !errors.Is(err, session.ErrNotConnected) {
				log.Printf("Peer refresh failed: %v", err)
			}
			registry.Cleanup(peerStaleAfter)
		}
	}
}

func resolveDeviceName(name string) string {
	const defaultName = "consequence-explorer"

	base := strings.TrimSpace(name)
	if base != "" {
		return base
	}

	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("%s-%d", defaultName, time.Now().UnixNano())
	}

	sanitized := sanitizeHostname(host)
	if sanitized == "" {
		return fmt.Sprintf("%s-%d", defaultName, time.Now().UnixNano())
	}

	return fmt.Sprintf("%s-%s", defaultName, sanitized)
}

func sanitizeHostname(host string) string {
	host = strings.ToLower(host)

	var builder strings.Builder
	lastDash := false

	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
			lastDash = false
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastDash = false
		case r == '-' || r == '_' || r == ' ' || r == '.':
			if !lastDash {
				builder.WriteRune('-')
				lastDash = true
			}
		}
	}

	return strings.Trim(builder.String(), "-")
}
