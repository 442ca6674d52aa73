package novasqlwire

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/tuannm99/shadowbase/internal/engine"
	"github.com/tuannm99/shadowbase/internal/sql/executor"
)

type ServerConfig struct {
	Addr    string
	Workdir string
	CfgPath string
}

func Run(sc ServerConfig) error {
	db, err := engine.NewDatabase(sc.Workdir)
	if err != nil {
		return fmt.Errorf("open database at %s: %w", sc.Workdir, err)
	}
	return Serve(sc, db)
}

// Serve runs the TCP listener against an already-opened db, letting a
// caller (cmd/server) share one *engine.Database across this listener, the
// HTTP shell and the checkpoint scheduler instead of each opening its own.
func Serve(sc ServerConfig, db *engine.Database) error {
	ln, err := net.Listen("tcp", sc.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = ln.Close() }()

	log.Printf("shadowbase tcp server listening on %s (workdir=%s)", sc.Addr, sc.Workdir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Printf("accept: %v", err)
			continue
		}
		go handleConn(ctx, conn, db)
	}
}

// handleConn serves one TCP connection. Every connection shares the
// process-wide *engine.Database (the engine only allows one Active writer
// at a time, so there is nothing to gain from opening it per-connection);
// each connection gets its own *executor.Executor so a BEGIN'd transaction
// stays scoped to the session that opened it.
func handleConn(ctx context.Context, conn net.Conn, db *engine.Database) {
	defer func() { _ = conn.Close() }()

	// No global deadline; you can set per-request deadline if needed.
	_ = conn.SetDeadline(time.Time{})

	ex := executor.NewExecutor(db)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var req ExecuteRequest
		if err := ReadFrame(conn, &req); err != nil {
			// Client closed or bad frame.
			return
		}

		res, err := ex.ExecSQL(req.SQL)
		if err != nil {
			_ = WriteFrame(conn, ExecuteResponse{
				ID:    req.ID,
				Error: err.Error(),
			})
			continue
		}

		_ = WriteFrame(conn, ExecuteResponse{
			ID:     req.ID,
			Result: res,
		})
	}
}
