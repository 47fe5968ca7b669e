package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

const maxBodyBytes = 1 << 20

type runNowRequest struct {
	SourceID string `json:"sourceId"`
}

type runNowResponse struct {
	Status   string `json:"status"`
	SourceID string `json:"sourceId"`
}

type scheduleRequest struct {
	SourceID            string `json:"sourceId"`
	Enabled             *bool  `json:"enabled"`
	AllowedStartHourUTC *int   `json:"allowedStartHourUtc"`
	AllowedEndHourUTC   *int   `json:"allowedEndHourUtc"`
}

type scheduleResponse struct {
	Status              string `json:"status"`
	SourceID            string `json:"sourceId"`
	Enabled             bool   `json:"enabled"`
	AllowedStartHourUTC *int   `json:"allowedStartHourUtc"`
	AllowedEndHourUTC   *int   `json:"allowedEndHourUtc"`
}

type sourceView struct {
	crawler.Source
	State *crawler.SourceState `json:"state,omitempty"`
}

// runNow accepts sourceId from the query string or a JSON body and starts the
// crawl in the background. The response does not wait for the pipeline.
func (s *Server) runNow(w http.ResponseWriter, r *http.Request) {
	sourceID := strings.TrimSpace(r.URL.Query().Get("sourceId"))
	if sourceID == "" {
		var body runNowRequest
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err == nil && len(strings.TrimSpace(string(raw))) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_json")
				return
			}
		}
		sourceID = strings.TrimSpace(body.SourceID)
	}
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "missing_sourceId")
		return
	}
	if _, ok := s.runner.Source(sourceID); !ok {
		writeError(w, http.StatusNotFound, "unknown_source")
		return
	}

	reqID := requestID(r.Context())
	s.wg.Add(1)
	run := func() {
		defer s.wg.Done()
		res, err := s.runner.RunSingle(s.baseCtx, sourceID)
		if err != nil {
			s.logger.Warn("run-now failed",
				zap.String("request_id", reqID),
				zap.String("source_id", sourceID),
				zap.Error(err))
			return
		}
		s.logger.Info("run-now finished",
			zap.String("request_id", reqID),
			zap.String("source_id", sourceID),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("ingested", res.Ingested))
	}
	if s.cfg.SyncRunNow {
		run()
	} else {
		go run()
	}

	writeJSON(w, http.StatusAccepted, runNowResponse{Status: "accepted", SourceID: sourceID})
}

func (s *Server) upsertSchedule(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		writeError(w, http.StatusBadRequest, "missing_body")
		return
	}
	var req scheduleRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	cfg := crawler.ScheduleConfig{
		SourceID:            strings.TrimSpace(req.SourceID),
		Enabled:             *req.Enabled,
		AllowedStartHourUTC: req.AllowedStartHourUTC,
		AllowedEndHourUTC:   req.AllowedEndHourUTC,
	}
	if code := scheduleErrorCode(cfg); code != "" {
		writeError(w, http.StatusBadRequest, code)
		return
	}

	if err := s.stores.UpsertSchedule(r.Context(), cfg); err != nil {
		s.logger.Error("upsert schedule failed", zap.String("source_id", cfg.SourceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store_error")
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse{
		Status:              "ok",
		SourceID:            cfg.SourceID,
		Enabled:             cfg.Enabled,
		AllowedStartHourUTC: cfg.AllowedStartHourUTC,
		AllowedEndHourUTC:   cfg.AllowedEndHourUTC,
	})
}

func scheduleErrorCode(cfg crawler.ScheduleConfig) string {
	switch {
	case cfg.SourceID == "":
		return "invalid_sourceId"
	case !validHour(cfg.AllowedStartHourUTC):
		return "invalid_allowedStartHourUtc"
	case !validHour(cfg.AllowedEndHourUTC):
		return "invalid_allowedEndHourUtc"
	}
	return ""
}

func validHour(h *int) bool {
	return h == nil || (*h >= 0 && *h <= 23)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	cfg, err := s.stores.GetSchedule(r.Context(), sourceID)
	if err != nil {
		s.storeError(w, "get schedule", sourceID, err)
		return
	}
	if cfg == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	state, err := s.stores.GetState(r.Context(), sourceID)
	if err != nil {
		s.storeError(w, "get state", sourceID, err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources := s.runner.Sources()
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		state, err := s.stores.GetState(r.Context(), src.ID)
		if err != nil {
			s.storeError(w, "list sources", src.ID, err)
			return
		}
		out = append(out, sourceView{Source: src, State: state})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) storeError(w http.ResponseWriter, op, sourceID string, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "timeout")
		return
	}
	s.logger.Error(op+" failed", zap.String("source_id", sourceID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "store_error")
}
