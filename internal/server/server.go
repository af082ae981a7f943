// Package server runs the HTTP API around the verdict pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/linkguard/linkguard/internal/api"
	"github.com/linkguard/linkguard/internal/auth"
	"github.com/linkguard/linkguard/internal/config"
	"github.com/linkguard/linkguard/internal/hotreload"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	httpServer *http.Server
	httpLn     net.Listener

	components *Components
	apiKeyAuth *auth.APIKeyAuth
	reload     config.HotReloadConfig
	logger     *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var apiKeyAuth *auth.APIKeyAuth
	if strings.EqualFold(cfg.Auth.Type, "api_key") {
		a, err := auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			return nil, err
		}
		apiKeyAuth = a
	}

	comps, err := Build(cfg, logger)
	if err != nil {
		return nil, err
	}

	app := api.NewApp(cfg, api.Deps{
		Service:      comps.Service,
		APIKeyAuth:   apiKeyAuth,
		Metrics:      comps.Metrics,
		ModelVersion: comps.Model.Version(),
		Verdicts:     verdictQuerier(comps),
		Stream:       verdictStream(comps),
		Logger:       logger,
	})

	addr := cfg.Server.HTTP.Addr
	if strings.EqualFold(cfg.Auth.Type, "none") && !isLoopbackListenAddr(addr) {
		logger.Warn("listening on a non-loopback address without authentication", "addr", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = comps.Close()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           app.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Server.HTTP.ReadTimeout,
			WriteTimeout:      cfg.Server.HTTP.WriteTimeout,
		},
		httpLn:     ln,
		components: comps,
		apiKeyAuth: apiKeyAuth,
		reload:     cfg.HotReload,
		logger:     logger,
	}, nil
}

// verdictQuerier avoids handing the API a typed nil store.
func verdictQuerier(c *Components) api.VerdictQuerier {
	if c.Audit == nil {
		return nil
	}
	return c.Audit
}

func verdictStream(c *Components) api.VerdictStream {
	if c.Stream == nil {
		return nil
	}
	return c.Stream
}

// Addr returns the address the HTTP listener is bound to.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Run serves until ctx is canceled or SIGINT/SIGTERM arrives, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Info("server listening", "addr", s.Addr())

	feedsDone := make(chan struct{})
	feedCtx, stopFeeds := context.WithCancel(ctx)
	defer stopFeeds()
	if syncer := s.components.Feeds; syncer != nil {
		go func() {
			defer close(feedsDone)
			syncer.Run(feedCtx)
		}()
	} else {
		close(feedsDone)
	}
	watcher := s.startWatcher(ctx)
	release := func() {
		if watcher != nil {
			_ = watcher.Stop()
		}
		stopFeeds()
		<-feedsDone
		_ = s.components.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		release()
		return err
	case err := <-errCh:
		release()
		return fmt.Errorf("server: %w", err)
	}
}

// startWatcher returns nil when hot reload is off or there is nothing to
// watch.
func (s *Server) startWatcher(ctx context.Context) *hotreload.Watcher {
	if !s.reload.Enabled {
		return nil
	}
	w := hotreload.New(hotreload.Config{
		Debounce: s.reload.Debounce,
		OnReload: func(path string, err error) {
			if err != nil {
				s.logger.Warn("reload failed; keeping previous contents", "path", path, "error", err)
				return
			}
			s.logger.Info("reloaded", "path", path)
		},
	})
	if a := s.apiKeyAuth; a != nil && a.KeysFile() != "" {
		_ = w.Add(a.KeysFile(), func(string) error { return a.Reload() })
	}
	if syncer := s.components.Feeds; syncer != nil {
		for _, path := range syncer.LocalLists() {
			_ = w.Add(path, func(string) error {
				syncer.Trigger()
				return nil
			})
		}
	}
	if w.Len() == 0 {
		return nil
	}
	if err := w.Start(ctx); err != nil {
		s.logger.Warn("hot reload disabled", "error", err)
		return nil
	}
	s.logger.Info("hot reload enabled", "files", w.Len())
	return w
}

func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	return s.components.Close()
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" || strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
