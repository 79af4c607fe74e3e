package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/scriptroom/collab-sync/server"
	"github.com/scriptroom/collab-sync/store"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	backend := flag.String("store", "memory", "document store backend: memory or sqlite")
	dbPath := flag.String("db", "collab-sync.db", "database path for the sqlite backend")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	var st store.Store
	switch *backend {
	case "memory":
		st = store.NewMemoryStore()
	case "sqlite":
		s, err := store.OpenSQLiteStore(*dbPath)
		if err != nil {
			log.Error("failed to open sqlite store", "path", *dbPath, "err", err)
			os.Exit(1)
		}
		defer s.Close()
		st = s
	default:
		log.Error("unknown store backend", "store", *backend)
		os.Exit(1)
	}
	manager := store.NewManager(st, store.ManagerOptions{}, log)

	hub := server.NewHub()
	go hub.Run()

	handler := server.NewHandler(hub, manager)
	log.Info("starting relay", "addr", *addr, "store", *backend)
	if err := http.ListenAndServe(*addr, handler); err != nil {
		log.Error("server exited", "err", err)
		os.Exit(1)
	}
}
