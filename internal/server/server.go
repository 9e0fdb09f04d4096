// Package server implements the station relay: it terminates WebSocket
// sessions from devices, tunnels inbound HTTP requests down to them, and
// serves the station's own API surface (status, devices, backup providers,
// map tiles).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/geogram-dev/station/internal/config"
	"github.com/geogram-dev/station/internal/debughttp"
	"github.com/geogram-dev/station/internal/nostrauth"
	"github.com/geogram-dev/station/internal/presence"
	"github.com/geogram-dev/station/internal/store/sqlite"
	"github.com/geogram-dev/station/internal/tiles"
)

const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the process-wide relay context.  It is constructed once at
// startup and passed by reference to every handler; there is no global
// state.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	store    *sqlite.Store
	clock    clock.Clock
	auth     *nostrauth.Authenticator
	hub      *hub
	presence *presence.Registry
	tiles    *tiles.Cache
	limiter  *rateLimiter

	version   string
	serverID  string
	startedAt time.Time
	routes    []route
}

// New wires a Server from configuration.  The store may be nil, in which
// case device history is not persisted.
func New(cfg config.Config, store *sqlite.Store, logger *slog.Logger, version string) *Server {
	return newServer(cfg, store, logger, version, clock.New())
}

func newServer(cfg config.Config, store *sqlite.Store, logger *slog.Logger, version string, clk clock.Clock) *Server {
	s := &Server{
		cfg:       cfg,
		log:       logger,
		store:     store,
		clock:     clk,
		auth:      nostrauth.New(clk, cfg.AuthMaxAge),
		hub:       newHub(clk, cfg.ReconnectWindow),
		limiter:   newRateLimiter(connRateLimit, connBurstLimit),
		version:   version,
		serverID:  uuid.NewString(),
		startedAt: clk.Now(),
	}
	s.presence = presence.New(s.auth, clk, cfg.PresenceTTL, s.hub.isLive, s.hub.isLiveNpub, logger)
	s.tiles = tiles.New(tiles.Options{
		Dir:          cfg.TileDir,
		BudgetBytes:  cfg.TileBudgetBytes,
		MaxMemZoom:   cfg.TileMaxMemZoom,
		FetchTimeout: cfg.TileFetchTimeout,
		Fetcher:      tiles.NewHTTPFetcher(),
		Clock:        clk,
		Log:          logger,
	})
	s.routes = s.buildRoutes()
	return s
}

// Run starts the public listener and blocks until ctx is canceled or the
// listener fails.  When a domain is configured the listener serves TLS with
// certificates obtained via ACME.
func (s *Server) Run(ctx context.Context) error {
	if err := debughttp.Serve(ctx, s.cfg.PprofAddr, s.log); err != nil {
		return fmt.Errorf("pprof listener: %w", err)
	}

	go s.runJanitor(ctx)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server

	if s.cfg.Domain != "" {
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.Domain),
		}
		srv.TLSConfig = manager.TLSConfig()

		challengeServer = &http.Server{
			Addr:              ":80",
			Handler:           manager.HTTPHandler(http.NotFoundHandler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.log.Info("starting ACME challenge listener", "addr", challengeServer.Addr)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge listener: %w", err)
			}
		}()
		go func() {
			s.log.Info("station listening", "addr", s.cfg.ListenAddr, "domain", s.cfg.Domain, "tls", true)
			if err := srv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listener: %w", err)
			}
		}()
	} else {
		go func() {
			s.log.Info("station listening", "addr", s.cfg.ListenAddr, "tls", false)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listener: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		var firstErr error
		if err := shutdownServer(srv, 5*time.Second); err != nil {
			firstErr = err
		}
		if challengeServer != nil {
			if err := shutdownServer(challengeServer, 5*time.Second); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.hub.closeAll()
		return firstErr
	case err := <-errCh:
		_ = shutdownServer(srv, 5*time.Second)
		if challengeServer != nil {
			_ = shutdownServer(challengeServer, 5*time.Second)
		}
		s.hub.closeAll()
		return err
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
