package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/geneflow/geneflow-go/internal/api"
	"github.com/geneflow/geneflow-go/internal/config"
	"github.com/geneflow/geneflow-go/internal/logging"
	"github.com/geneflow/geneflow-go/internal/trigger"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "geneflow",
	Short: "GeneFlow - workflow engine for bioinformatics pipelines",
	Long: `GeneFlow runs workflows of containerized or scripted apps over local,
grid and cloud execution contexts.

Quick Start:
  1. Check a workflow:   geneflow validate workflow.yaml
  2. Run a job:          geneflow run job.yaml
  3. Serve the API:      geneflow server

Job state lives in the configured store (memory, redis or postgres). Use a
shared store to inspect, cancel or resume jobs from another process.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Failed to load .env: %v", err)
		}

		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}

		logger, err = logging.NewLogger(cfg.Logging)
		if err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
		logging.SetGlobalLogger(logger)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the GeneFlow API server and trigger scheduler",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ~/.geneflow, /etc/geneflow)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(listCmd)
}

func runServer() {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	rt, err := newServices(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	defer rt.Close()

	triggers := trigger.NewScheduler(rt.engine)
	for _, t := range cfg.Triggers {
		if err := triggers.Add(t); err != nil {
			log.Fatalf("Failed to add trigger %q: %v", t.Name, err)
		}
	}
	triggers.Start(ctx)
	defer triggers.Stop()

	logging.Info("server", "GeneFlow server starting", map[string]interface{}{
		"address":  cfg.Address(),
		"store":    cfg.Store.Backend,
		"contexts": rt.registry.Names(),
		"triggers": len(cfg.Triggers),
	})

	server := api.NewServer(cfg, rt.engine, triggers)
	go func() {
		if err := server.Start(ctx); err != nil {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
}
