package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ambdash/ambdash/internal/store"
	"github.com/ambdash/ambdash/pkg/daily"
	"github.com/ambdash/ambdash/pkg/freshness"
	"github.com/ambdash/ambdash/pkg/leaderboard"
	"github.com/ambdash/ambdash/pkg/quota"
	"github.com/ambdash/ambdash/pkg/source"
	"github.com/ambdash/ambdash/pkg/submission"
	"github.com/ambdash/ambdash/pkg/updater"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Ambassador string `json:"ambassador"`
	URL        string `json:"url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id, err := s.Submissions.Submit(r.Context(), req.Ambassador, req.URL)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
	case errors.Is(err, submission.ErrDuplicate):
		writeError(w, http.StatusConflict, "post already submitted", err)
	case errors.Is(err, submission.ErrInvalidURL), errors.Is(err, submission.ErrEmptyAmbassador):
		writeError(w, http.StatusBadRequest, "invalid submission", err)
	default:
		s.Log.Error("submit", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "submission failed", err)
	}
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	f, ok := s.itemFilter(w, r)
	if !ok {
		return
	}
	if v := r.URL.Query().Get("finalized"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid finalized flag", err)
			return
		}
		f.Finalized = &b
	}
	f.Ambassador = strings.TrimSpace(r.URL.Query().Get("ambassador"))

	items, err := s.Store.ListItems(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list items", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	f, ok := s.itemFilter(w, r)
	if !ok {
		return
	}
	items, err := s.Store.ListItems(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list items", err)
		return
	}
	sum := freshness.Summarize(items, s.now())
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	platform := source.Platform(r.URL.Query().Get("platform"))
	var out []quota.Usage
	for _, u := range s.Updaters {
		if platform != "" && u.Platform() != platform {
			continue
		}
		usage, err := u.Quota().Usage(r.Context(), s.now())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "usage", err)
			return
		}
		out = append(out, usage)
	}
	if platform != "" && len(out) == 0 {
		writeError(w, http.StatusNotFound, "platform not enabled", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	platform := source.Platform(r.URL.Query().Get("platform"))
	plans := make(map[source.Platform][]source.Item)
	now := s.now()
	for _, u := range s.Updaters {
		if platform != "" && u.Platform() != platform {
			continue
		}
		remaining, err := u.Quota().Remaining(r.Context(), quota.MonthKey(now))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "quota", err)
			return
		}
		if remaining == 0 {
			plans[u.Platform()] = []source.Item{}
			continue
		}
		items, err := u.Plan(r.Context(), now, remaining)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "plan", err)
			return
		}
		plans[u.Platform()] = items
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": plans})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.Trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "updates not configured", nil)
		return
	}
	results, err := s.Trigger.TriggerUpdate(r.Context())
	if err != nil {
		if errors.Is(err, updater.ErrBatchInProgress) && len(results) == 0 {
			writeError(w, http.StatusConflict, "update already running", err)
			return
		}
		s.Log.Warn("on-demand update", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"data": results, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": results})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := leaderboard.Query{
		Board:          chi.URLParam(r, "board"),
		Location:       s.Location,
		SortBy:         leaderboard.ParseSortBy(r.URL.Query().Get("sort")),
		MinImpressions: s.Leaderboard.MinImpressions,
		PinLast:        s.Leaderboard.PinLast,
	}
	if q.Board != leaderboard.BoardX && q.Board != leaderboard.BoardReddit && q.Board != leaderboard.BoardTotal {
		writeError(w, http.StatusNotFound, "unknown leaderboard", nil)
		return
	}

	now := s.now().In(s.Location)
	q.Year, q.Month = now.Year(), now.Month()
	if v := r.URL.Query().Get("month"); v != "" {
		var err error
		q.Year, q.Month, err = leaderboard.ParseMonth(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "month must be YYYY-MM", err)
			return
		}
	}

	var snap *daily.Snapshot
	if s.Daily != nil {
		sn, _, err := s.Daily.AutoCompute(r.Context(), s.now())
		if err != nil {
			s.Log.Warn("daily auto-compute", zap.Error(err))
		} else {
			snap = &sn
		}
	}

	finalized := true
	items, err := s.Store.ListItems(r.Context(), store.ItemFilter{Finalized: &finalized})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list items", err)
		return
	}
	board, err := leaderboard.Build(items, q)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown leaderboard", err)
		return
	}

	resp := map[string]any{
		"month": board.Month,
		"daily": snap,
		"data":  board.Rows,
	}
	if q.Board == leaderboard.BoardTotal {
		resp["data"] = board.Combined
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMonths(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListItems(r.Context(), store.ItemFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list items", err)
		return
	}
	months := leaderboard.AvailableMonths(items, s.Location)
	keys := make([]string, len(months))
	for i, m := range months {
		keys[i] = m.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": keys})
}

func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	if s.Daily == nil {
		writeError(w, http.StatusServiceUnavailable, "daily snapshots not configured", nil)
		return
	}
	now := s.now().In(s.Location)
	year, month := now.Year(), now.Month()
	if v := r.URL.Query().Get("month"); v != "" {
		var err error
		year, month, err = leaderboard.ParseMonth(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "month must be YYYY-MM", err)
			return
		}
	}
	snaps, err := s.Daily.ForMonth(r.Context(), year, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "daily snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": snaps})
}

func (s *Server) handleDailyCompute(w http.ResponseWriter, r *http.Request) {
	if s.Daily == nil {
		writeError(w, http.StatusServiceUnavailable, "daily snapshots not configured", nil)
		return
	}
	snap, err := s.Daily.ComputeToday(r.Context(), s.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "compute daily snapshot", err)
		return
	}
	s.observeDaily(snap)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDailyReset(w http.ResponseWriter, r *http.Request) {
	if s.Daily == nil {
		writeError(w, http.StatusServiceUnavailable, "daily snapshots not configured", nil)
		return
	}
	snap, err := s.Daily.ResetToday(r.Context(), s.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reset daily snapshot", err)
		return
	}
	s.observeDaily(snap)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) observeDaily(snap daily.Snapshot) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.DailyDelta.Set(float64(snap.Delta))
	s.Metrics.DailyTotal.Set(float64(snap.Total))
}

// itemFilter reads the platform query parameter; it writes a 400 and
// returns false when the value is unknown.
func (s *Server) itemFilter(w http.ResponseWriter, r *http.Request) (store.ItemFilter, bool) {
	var f store.ItemFilter
	if v := r.URL.Query().Get("platform"); v != "" {
		p := source.Platform(strings.ToLower(v))
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, "unknown platform", nil)
			return f, false
		}
		f.Platform = p
	}
	return f, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := errorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
