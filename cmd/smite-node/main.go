package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vahid162/Smite/internal/agent"
	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/cores"
	"github.com/vahid162/Smite/internal/logging"
	"github.com/vahid162/Smite/internal/supervisor"
	"github.com/vahid162/Smite/internal/traffic"
)

var version = "dev"

func main() {
	config.LoadNode()
	logging.Init(config.Node.LogPath)
	agent.Version = version

	sup := supervisor.NewManager()
	engines := cores.NewManager(config.Node.ConfigRoot, sup)
	acct := traffic.NewAccountant(traffic.NewFirewall(), traffic.NewFirewallV6(), sup.Pid)

	a := agent.New(engines, acct, config.Node)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Engines first: tunnels come back even when the panel is down.
	engines.Restore(sigCtx)

	go func() {
		if err := a.Register(sigCtx); err != nil {
			log.Printf("WARNING: panel registration failed: %v", err)
		}
	}()

	c := cron.New()
	if err := a.StartUsagePush(sigCtx, c); err != nil {
		log.Printf("WARNING: %v", err)
	}
	c.Start()
	defer c.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Node.NodeAPIPort),
		Handler: a.Router(),
	}

	go func() {
		log.Printf("Node agent (%s) starting on :%d", config.Node.NodeRole, config.Node.NodeAPIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Engines keep running: a node agent restart must not drop tunnels.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Node agent stopped")
}
