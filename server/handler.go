package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/scriptroom/collab-sync/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// documentResponse is the hydration payload for HTTP clients: apply State
// (when present), then Deltas in order, then subscribe over /ws.
type documentResponse struct {
	ID         string   `json:"id"`
	SnapshotID string   `json:"snapshotId,omitempty"`
	State      []byte   `json:"state,omitempty"`
	Deltas     [][]byte `json:"deltas,omitempty"`
	Sequence   uint64   `json:"sequence"`
	Version    int64    `json:"version"`
}

// NewHandler creates the HTTP handler with all routes. manager may be nil,
// in which case the hydration endpoint is not mounted and the relay is a
// pure fanout.
func NewHandler(hub *Hub, manager *store.Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if manager != nil {
		mux.HandleFunc("/api/documents/", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			docID := strings.TrimPrefix(r.URL.Path, "/api/documents/")
			if docID == "" || strings.Contains(docID, "/") {
				http.Error(w, "bad document id", http.StatusBadRequest)
				return
			}
			res, err := manager.Load(r.Context(), docID)
			if err != nil {
				slog.Error("document load failed", "doc", docID, "err", err)
				http.Error(w, "load failed", http.StatusInternalServerError)
				return
			}
			out := documentResponse{
				ID:       docID,
				State:    res.State,
				Deltas:   res.Deltas,
				Sequence: res.Sequence,
				Version:  res.Version,
			}
			if res.Snapshot != nil {
				out.SnapshotID = res.Snapshot.ID
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(out)
		})
	}

	// WebSocket endpoint.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "err", err)
			return
		}
		client := newClient(hub, conn)
		go client.WritePump()
		go client.ReadPump()
	})

	return mux
}
