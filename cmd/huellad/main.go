package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsogym/huellad/internal/config"
	"github.com/pulsogym/huellad/internal/enroll"
	"github.com/pulsogym/huellad/internal/helper"
	"github.com/pulsogym/huellad/internal/journal"
	"github.com/pulsogym/huellad/internal/server"
	"github.com/pulsogym/huellad/internal/supabase"
	"github.com/pulsogym/huellad/internal/version"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "huellad",
		Short:         "Local fingerprint capture agent - brokers the scanner helper to the web frontend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runAgent,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to optional YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var bridge *enroll.Bridge
	if cfg.PersistenceConfigured() {
		store := supabase.New(cfg.SupabaseURL, cfg.SupabaseServiceKey)
		bridge = enroll.New(store, cfg.SupabaseTable)
		log.Printf("[Agent] remote persistence enabled (table %s)", cfg.SupabaseTable)
	} else {
		log.Printf("[Agent] remote persistence not configured, captures returned unpersisted")
	}

	var jnl server.AttemptJournal
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open capture journal: %w", err)
		}
		defer j.Close()
		jnl = j
	}

	srv := server.New(cfg, helper.NewService(cfg.HelperRoot), bridge, jnl)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	log.Printf("[Agent] huellad started (PID %d) listening on 127.0.0.1:%d", os.Getpid(), cfg.Port)

	select {
	case sig := <-sigChan:
		log.Printf("[Agent] received signal %s, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[Agent] error during shutdown: %v", err)
		}
	case err := <-errChan:
		return err
	}

	log.Println("[Agent] stopped")
	return nil
}

func setupLogging() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	logPath := os.Getenv("HUELLAD_LOG")
	if logPath == "" {
		return
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
}
