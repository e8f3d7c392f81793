package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vahid162/Smite/internal/auth"
	"github.com/vahid162/Smite/internal/config"
	"github.com/vahid162/Smite/internal/cores"
	"github.com/vahid162/Smite/internal/crypto"
	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/handlers"
	"github.com/vahid162/Smite/internal/logging"
	"github.com/vahid162/Smite/internal/orchestrator"
	"github.com/vahid162/Smite/internal/supervisor"
)

var version = "dev"

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-admin":
			runCLICommand("create-admin")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.LoadPanel()
	logging.Init(config.Panel.LogPath)
	handlers.Version = version

	if err := database.Init(config.Panel.DBPath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	sup := supervisor.NewManager()
	engines := cores.NewManager(filepath.Join(config.Panel.DataPath, "engines"), sup)

	orch := orchestrator.New(engines, nil, config.Panel.PanelPort, config.Panel.PublicIP())
	handlers.Orch = orch

	sessionStore := auth.NewSessionStore()
	handlers.SessionStore = sessionStore
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessionStore.Cleanup()
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bring back panel-hosted engines and reapply the fleet.
	go orch.Restore(sigCtx)

	c := cron.New()
	if _, err := orch.StartAutoReapply(sigCtx, c); err != nil {
		log.Printf("WARNING: %v", err)
	}
	c.Start()
	defer c.Stop()

	srv := &http.Server{
		Addr:    config.Panel.ListenAddr(),
		Handler: handlers.Router(),
	}

	go func() {
		var err error
		if config.Panel.PanelTLS {
			certPath, keyPath, certErr := crypto.EnsureServerCert(
				filepath.Join(config.Panel.DataPath, "certs"), "smite-panel",
				[]string{config.Panel.PublicIP()})
			if certErr != nil {
				log.Fatalf("TLS certificate: %v", certErr)
			}
			log.Printf("Panel starting on %s (TLS)", config.Panel.ListenAddr())
			err = srv.ListenAndServeTLS(certPath, keyPath)
		} else {
			log.Printf("Panel starting on %s", config.Panel.ListenAddr())
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sup.StopAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Panel stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: smite-panel --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.LoadPanel()
	if err := database.Init(config.Panel.DBPath); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-admin":
		user := &database.AdminUser{
			Username:     *username,
			PasswordHash: hash,
		}
		if err := database.CreateAdminUser(user); err != nil {
			log.Fatalf("Failed to create admin: %v", err)
		}
		fmt.Printf("Admin user '%s' created successfully.\n", *username)

	case "reset-password":
		user, err := database.GetAdminByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateAdminPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'. Existing sessions will expire within %s.\n", *username, auth.SessionDuration)
	}
}
