package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
)

const Version = "0.1.0"

func main() {
	cfg := ConfigFromEnv()

	eslClient := NewESLClient(cfg.ESLAddr(), cfg.ESLPassword, cfg.ConnectTimeout)
	router := NewEventRouter()
	recordings := NewRecordingManager(eslClient, cfg.RecordingDir, cfg.RecordingBaseURL)
	orchestrator := NewOrchestrator(cfg, eslClient, router, recordings)

	orchestrator.OnLifecycleEvent(func(ev LifecycleEvent) {
		msg := fmt.Sprintf("Lifecycle: state=%s", ev.State)
		if ev.Cause != "" {
			msg += " cause=" + ev.Cause
		}
		if ev.RecordingURL != "" {
			msg += " recording=" + ev.RecordingURL
		}
		logInfo(ev.CallID, msg)
	})

	// Connect up front; the reconnect manager keeps retrying if the media
	// server is not up yet or drops the link later.
	if err := eslClient.Connect(); err != nil {
		log.Printf("[WARN] [startup] Initial ESL connection failed: %v (will retry)", err)
	}
	reconnectCtx, stopReconnect := context.WithCancel(context.Background())
	if managed, ok := eslClient.(interface{ ManageReconnect(context.Context) }); ok {
		go managed.ManageReconnect(reconnectCtx)
	}

	handler := NewAPIHandler(orchestrator, eslClient)

	r := mux.NewRouter()

	// Apply middlewares (auth must be first)
	r.Use(requestIDMiddleware)
	r.Use(bearerAuthMiddleware(cfg.AuthTokens))
	r.Use(accountAuthMiddleware)
	r.Use(requestSizeLimitMiddleware)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/calls", handler.CreateCall).Methods("POST")
	v1.HandleFunc("/calls", handler.ListCalls).Methods("GET")
	v1.HandleFunc("/calls/{call_id}", handler.GetCall).Methods("GET")
	v1.HandleFunc("/calls/{call_id}/cancel", handler.CancelCall).Methods("POST")
	v1.HandleFunc("/legs/{uuid}/hangup", handler.HangupLeg).Methods("POST")

	// Health check endpoint
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.Printf("Outbound dialer API v%s starting on %s", Version, addr)
	log.Printf("ESL configured for %s, gateway %s", cfg.ESLAddr(), cfg.Gateway)

	if len(cfg.AuthTokens) > 0 {
		log.Printf("Bearer token authentication: ENABLED (%d token(s) configured)", len(cfg.AuthTokens))
		log.Printf("Note: Localhost requests bypass authentication")
	} else {
		log.Printf("Bearer token authentication: DISABLED (no tokens configured)")
		log.Printf("WARNING: API is accessible without authentication from remote hosts")
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		// StartCall blocks until bridged; allow for the full answer budgets.
		WriteTimeout: cfg.AgentAnswerTimeout + cfg.LeadAnswerTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopReconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	} else {
		log.Println("Server shutdown gracefully")
	}

	if err := eslClient.Close(); err != nil {
		log.Printf("Error closing ESL client: %v", err)
	}

	log.Println("Server exited")
}
