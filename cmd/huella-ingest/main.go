package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pulsogym/huellad/internal/config"
	"github.com/pulsogym/huellad/internal/enroll"
	"github.com/pulsogym/huellad/internal/ingest"
	"github.com/pulsogym/huellad/internal/supabase"
	"github.com/pulsogym/huellad/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "huella-ingest",
		Short:         "Remote insert endpoint - receives captured fingerprint payloads and stores them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runIngest,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	supabaseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/")
	serviceKey := strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_KEY"))
	if supabaseURL == "" || serviceKey == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	table := strings.TrimSpace(os.Getenv("HUELLAD_TABLE"))
	if table == "" {
		table = config.DefaultTable
	}

	port := 8787
	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		port = parsed
	}

	var origins []string
	if raw := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}

	bridge := enroll.New(supabase.New(supabaseURL, serviceKey), table)
	handler := ingest.New(bridge, origins, config.DefaultMaxBodyBytes)

	srv := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(port)),
		Handler: handler,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	log.Printf("[Ingest] huella-ingest started (PID %d) listening on :%d, table %s", os.Getpid(), port, table)

	select {
	case sig := <-sigChan:
		log.Printf("[Ingest] received signal %s, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[Ingest] error during shutdown: %v", err)
		}
	case err := <-errChan:
		return err
	}

	log.Println("[Ingest] stopped")
	return nil
}
