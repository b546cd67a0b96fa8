package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeatlas-dev/codeatlas/internal/agent"
	"github.com/codeatlas-dev/codeatlas/internal/api"
	"github.com/codeatlas-dev/codeatlas/internal/checkpoint"
	"github.com/codeatlas-dev/codeatlas/internal/common"
	"github.com/codeatlas-dev/codeatlas/internal/docjobs"
	"github.com/codeatlas-dev/codeatlas/internal/graph"
	"github.com/codeatlas-dev/codeatlas/internal/indexing"
	"github.com/codeatlas-dev/codeatlas/internal/llm"
	"github.com/codeatlas-dev/codeatlas/internal/sqlitedb"
	"github.com/codeatlas-dev/codeatlas/internal/vector"
)

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("atlasd: .env file not loaded", "error", err)
	} else {
		logger.Info("atlasd: environment loaded from .env")
	}

	addr := flag.String("addr", ":8082", "listen address")
	dataDir := flag.String("data", "data", "directory holding the SQLite databases")
	logDir := flag.String("doc-logs", "", "directory for documentation job audit logs (defaults under the data dir)")
	minLines := flag.Int("doc-min-lines", 3, "minimum meaningful lines before a file is documented")
	useChroma := flag.Bool("chromadb", false, "use a ChromaDB server for embeddings instead of the in-memory store")
	flag.Parse()

	logger.Info("atlasd: startup initiated", "addr", *addr, "data", *dataDir)

	graphStore, err := graph.OpenWithConfig(sqlitedb.Config{Path: filepath.Join(*dataDir, "graph.db")})
	if err != nil {
		fatal(logger, "graph store", err)
	}
	defer graphStore.Close()

	saver, err := checkpoint.OpenWithConfig(sqlitedb.Config{Path: filepath.Join(*dataDir, "checkpoints.db")})
	if err != nil {
		fatal(logger, "checkpoint store", err)
	}
	defer saver.Close()

	provider := llm.NewProvider()
	logger.Info("atlasd: llm provider ready", "provider", provider.Name())

	var vectors vector.Store
	if *useChroma {
		client, err := vector.NewFromEnv(ctx)
		if err != nil {
			fatal(logger, "vector store", err)
		}
		defer client.Close()
		if client.Available() {
			logger.Info("atlasd: chromadb available", "collection", client.Collection())
		} else {
			logger.Warn("atlasd: chromadb unreachable", "collection", client.Collection())
		}
		vectors = client
	} else {
		vectors = vector.NewMemoryStore("")
		logger.Info("atlasd: in-memory vector store selected")
	}

	indexer := indexing.NewService(graphStore, vectors, nil, provider)
	runner := agent.NewRunner(provider, graphStore, vectors, saver)

	auditDir := strings.TrimSpace(*logDir)
	if auditDir == "" {
		auditDir = filepath.Join(*dataDir, "docgen_logs")
	}
	jobs := docjobs.NewManager(auditDir, nil)
	docOpts := docjobs.Options{MinMeaningfulLines: *minLines, Provider: provider}

	server := api.NewServer(graphStore, indexer, runner, jobs, docOpts)

	httpServer := &http.Server{Addr: *addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("atlasd: server listening", "addr", *addr, "health", "/healthz")
		fmt.Printf("Serving on %s\n", *addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("atlasd: shutdown requested", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("atlasd: shutdown failed", "error", err)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fatal(logger, "server", err)
		}
	}
	logger.Info("atlasd: stopped")
}

func fatal(logger *slog.Logger, component string, err error) {
	logger.Error("atlasd: startup failed", "component", component, "error", err)
	fmt.Fprintf(os.Stderr, "%s error: %v\n", component, err)
	os.Exit(1)
}
