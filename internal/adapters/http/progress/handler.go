package progress

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	appprogress "3tcapital/auditharvest/internal/application/progress"
	httpx "3tcapital/auditharvest/internal/infrastructure/http"
)

// Board is the read side of a running harvest.
type Board interface {
	Snapshot() appprogress.Snapshot
	MarkStopping()
}

type stopResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

// Handler exposes progress and the stop control over HTTP.
type Handler struct {
	board Board
	stop  func()
	once  sync.Once
	log   *slog.Logger
}

// NewHandler creates a handler. stop is called at most once, by the first
// POST /stop, and must not block.
func NewHandler(board Board, stop func(), log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{board: board, stop: stop, log: log}
}

// Routes returns the router to mount under the harvest prefix.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/progress", h.Progress)
	r.Get("/progress/{partition}", h.Partition)
	r.Post("/stop", h.Stop)
	return r
}

// Progress returns the whole snapshot.
func (h *Handler) Progress(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.board.Snapshot(), h.log)
}

// Partition returns the view of one partition.
func (h *Handler) Partition(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "partition")
	for _, p := range h.board.Snapshot().Partitions {
		if p.Partition == name {
			httpx.WriteJSON(w, http.StatusOK, p, h.log)
			return
		}
	}
	httpx.WriteError(w, http.StatusNotFound, "Partition not found", []string{name}, h.log)
}

// Stop requests a graceful stop. Repeated calls are accepted and ignored.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	snap := h.board.Snapshot()
	if !snap.Running && !snap.StartedAt.IsZero() {
		httpx.WriteError(w, http.StatusConflict, "Harvest already finished", nil, h.log)
		return
	}

	h.once.Do(func() {
		h.log.Info("Stop requested over HTTP", "remote_addr", r.RemoteAddr)
		h.board.MarkStopping()
		h.stop()
	})
	httpx.WriteJSON(w, http.StatusAccepted, stopResponse{Status: "stopping", RunID: snap.RunID}, h.log)
}
