// Orthovec - Distributed Geospatial Tile Embedding and Retrieval
// Copyright 2026 Orthovec Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/orthovec/orthovec

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/orthovec/orthovec/internal/config"
	"github.com/orthovec/orthovec/internal/logging"
)

// Server runs the HTTP listener as a supervised service.
type Server struct {
	srv     *http.Server
	timeout time.Duration
}

// NewServer builds an HTTP server for the given handler and listen
// config.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout,
			IdleTimeout:       2 * cfg.Timeout,
		},
		timeout: cfg.Timeout,
	}
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
// The signature matches suture's Service interface.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("http server shutdown")
	}
	<-errCh
	return ctx.Err()
}

func (s *Server) String() string { return "http-server" }
