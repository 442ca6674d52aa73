package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/tuannm99/shadowbase/internal"
	"github.com/tuannm99/shadowbase/internal/engine"
	"github.com/tuannm99/shadowbase/internal/storage"
	"github.com/tuannm99/shadowbase/server/httpapi"
	"github.com/tuannm99/shadowbase/server/novasqlwire"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "novasql.yaml", "Path to novasql yaml config")
	flag.Parse()

	cfg, err := internal.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := os.Getenv("NOVASQL_ADDR")
	if addr == "" {
		// Use config port by default
		port := cfg.Server.Port
		if port == 0 {
			port = 6543
		}
		addr = fmt.Sprintf("127.0.0.1:%d", port)
	}

	httpAddr := os.Getenv("NOVASQL_HTTP_ADDR")
	if httpAddr == "" {
		port := cfg.Server.HTTPPort
		if port == 0 {
			port = 6544
		}
		httpAddr = fmt.Sprintf("127.0.0.1:%d", port)
	}

	workdir := os.Getenv("NOVASQL_DATA_DIR")
	if workdir == "" {
		workdir = cfg.Storage.Workdir
	}
	if workdir == "" {
		workdir = "./data"
	}

	if err := os.MkdirAll(workdir, storage.FileMode0755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := engine.NewDatabase(workdir)
	if err != nil {
		log.Fatalf("open database at %s: %v", workdir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background checkpoint/reclaim scheduler: a periodic flush-and-sync
	// keeps a long-idle writer's dirty pages from sitting in memory
	// indefinitely, and the orphan reclaim sweeps up shadow pages abandoned
	// by a crash between commit steps or a transaction that never adopted
	// or discarded.
	sched := cron.New(cron.WithSeconds())
	if _, err := sched.AddFunc("*/30 * * * * *", func() {
		if err := db.Checkpoint(); err != nil {
			slog.Error("checkpoint failed", "err", err)
		}
	}); err != nil {
		log.Fatalf("schedule checkpoint: %v", err)
	}
	if _, err := sched.AddFunc("0 */5 * * * *", func() {
		if db.TM.Active() != nil {
			return // ReclaimOrphans must not run while a transaction is Active
		}
		n, err := db.ReclaimOrphans()
		if err != nil {
			slog.Error("reclaim orphans failed", "err", err)
			return
		}
		if n > 0 {
			slog.Info("reclaimed orphan pages", "count", n)
		}
	}); err != nil {
		log.Fatalf("schedule orphan reclaim: %v", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	httpSrv := &http.Server{Addr: httpAddr, Handler: httpapi.New(db)}
	go func() {
		log.Printf("shadowbase http server listening on %s", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = httpSrv.Shutdown(context.Background())
	}()

	sc := novasqlwire.ServerConfig{
		Addr:    addr,
		Workdir: workdir,
		CfgPath: cfgPath,
	}

	if err := novasqlwire.Serve(sc, db); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
