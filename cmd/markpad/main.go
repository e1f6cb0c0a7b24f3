// Markpad is a collaborative markdown workspace service.
// Copyright (C) 2025 Markpad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command markpad runs the workspace HTTP and WebSocket server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"markpad/internal/admission"
	"markpad/internal/api"
	"markpad/internal/config"
	"markpad/internal/events"
	"markpad/internal/ipresolver"
	"markpad/internal/ratelimit"
	"markpad/internal/scheduler"
	"markpad/internal/store"
	"markpad/internal/webhook"
	"markpad/internal/ws"
	"markpad/internal/wstoken"
)

func main() {
	cfg := config.LoadFromEnv()

	// Flags take precedence over environment variables.
	addr := flag.String("addr", cfg.ListenAddr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.ListenAddr = *addr
	cfg.DBPath = *dbPath

	logger := log.New(os.Stderr, "", log.LstdFlags)

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	tokens, err := wstoken.NewFromEnv(os.Getenv, cfg.Production())
	if err != nil {
		logger.Fatalf("token service: %v", err)
	}

	bus := events.NewBus()
	hub := ws.NewHub(logger)
	hub.Register(bus)

	ssrf := webhook.SSRFPolicy{AllowHTTP: cfg.AllowHTTPWebhooks || cfg.IntegrationTestMode}
	trigger := webhook.NewTrigger(st, ssrf, bus, logger)
	trigger.Register(bus)

	limiter := ratelimit.New(st, ratelimit.LimitsFromEnv(os.Getenv), logger)
	adm := admission.New(admission.Config{
		Engine: limiter,
		Policy: ipresolver.Policy{
			TrustProxyHeaders:        cfg.TrustProxyHeaders,
			TrustSingleXForwardedFor: cfg.TrustSingleXForwardedFor,
			SharedSecret:             cfg.TrustedProxySharedSecret,
			SharedSecretHeader:       cfg.TrustedProxySecretHeader,
		},
		RequireTrustedIP: cfg.RequireTrustedClientIP,
		Logger:           logger,
	})

	srv := api.NewServer(st, tokens, bus, hub, ssrf, cfg, logger)

	var jobs *scheduler.Scheduler
	if cfg.DisableBackgroundJobs {
		logger.Printf("[main] background jobs disabled")
	} else {
		jobs, err = scheduler.New(st, limiter, bus, logger)
		if err != nil {
			logger.Fatalf("scheduler: %v", err)
		}
		jobs.Start()
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Routes(adm),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Printf("[main] listening on %s (env=%s)", cfg.ListenAddr, cfg.Environment)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("[main] shutting down")
	if jobs != nil {
		<-jobs.Stop().Done()
	}
	trigger.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[main] shutdown: %v", err)
	}
}
