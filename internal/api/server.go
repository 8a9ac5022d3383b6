// Package api provides the read-only HTTP inspection surface for the game
// loop: is the play loop running, what is a village's loop state, how far
// along is a cycle. All endpoints are GET and safe to poll.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/talgya/hexhold/internal/game"
	"github.com/talgya/hexhold/internal/loop"
	"github.com/talgya/hexhold/internal/queue"
)

// Server serves loop and village state over HTTP.
type Server struct {
	Games  *game.Store
	States *loop.Store
	Queue  *queue.Queue
	Port   int
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/loops", s.handleLoops)
	mux.HandleFunc("/api/v1/villages", s.handleVillages)
	mux.HandleFunc("/api/v1/village/", s.handleVillageDetail)
	mux.HandleFunc("/api/v1/cycle/", s.handleCycleDetail)

	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, running, err := s.States.Running(r.Context(), loop.KindPlayLoop, "")
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]any{
		"play_loop_running": running,
		"queue_depth":       s.Queue.Depth(),
		"dead_lettered":     s.Queue.DeadLettered(),
	}
	if running {
		resp["play_loop_run"] = run
	}
	writeJSON(w, resp)
}

func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	runs, err := s.States.RecentRuns(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"runs": runs})
}

func (s *Server) handleVillages(w http.ResponseWriter, r *http.Request) {
	villages, err := s.Games.Villages(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"villages": villages})
}

func (s *Server) handleVillageDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r.URL.Path, "/api/v1/village/")
	if err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	village, err := s.Games.Village(r.Context(), id)
	if errors.Is(err, game.ErrNotFound) {
		httpError(w, http.StatusNotFound, fmt.Errorf("village %d not found", id))
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	stocks, err := s.Games.Stocks(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	groups, err := s.Games.BuildingGroups(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	run, running, err := s.States.Running(r.Context(), loop.KindVillageLoop, strconv.FormatInt(id, 10))
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]any{
		"village":      village,
		"stocks":       stocks,
		"buildings":    groups,
		"loop_running": running,
	}
	if running {
		resp["loop_run"] = run
	}
	writeJSON(w, resp)
}

func (s *Server) handleCycleDetail(w http.ResponseWriter, r *http.Request) {
	cycleID := strings.TrimPrefix(r.URL.Path, "/api/v1/cycle/")
	if cycleID == "" || strings.Contains(cycleID, "/") {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid cycle id"))
		return
	}

	villages, err := s.States.QueuedCountForCycle(r.Context(), cycleID, "village")
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	buildings, err := s.States.QueuedCountForCycle(r.Context(), cycleID, "building")
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, map[string]any{
		"cycle_id":         cycleID,
		"villages_queued":  villages,
		"buildings_queued": buildings,
	})
}

func pathID(path, prefix string) (int64, error) {
	raw := strings.TrimPrefix(path, prefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
