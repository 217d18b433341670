package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/subforge/subforge/internal/cache"
	"github.com/subforge/subforge/internal/domain"
	"github.com/subforge/subforge/internal/history"
	"github.com/subforge/subforge/internal/pipeline"
)

// Response metadata keys passed through to recognized clients when the
// original fetch response carried them.
var forwardedMetadata = []string{
	"content-disposition",
	"profile-update-interval",
	"subscription-userinfo",
	"profile-web-page-url",
}

// User-Agent substrings of clients that understand the forwarded
// profile headers.
var recognizedClients = []string{
	"clash",
	"stash",
	"shadowrocket",
	"quantumult",
	"sing-box",
	"surge",
}

// ConvertHandler serves the subscription conversion endpoint.
type ConvertHandler struct {
	converter  *pipeline.Converter
	history    *history.Store // nil disables recording
	scriptPath string
	useCache   bool
	logger     *slog.Logger
}

// NewConvertHandler wires the pipeline into HTTP. scriptPath is read
// fresh on every request so routine edits take effect without restart.
func NewConvertHandler(converter *pipeline.Converter, hist *history.Store, scriptPath string, useCache bool, logger *slog.Logger) *ConvertHandler {
	return &ConvertHandler{
		converter:  converter,
		history:    hist,
		scriptPath: scriptPath,
		useCache:   useCache,
		logger:     logger,
	}
}

// HandleSubscription converts the manifest named by the url query
// parameter and streams the rewritten manifest as a download.
func (h *ConvertHandler) HandleSubscription(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing required query parameter: url")
		return
	}
	profileName := r.URL.Query().Get("name")
	allowFallback := h.useCache
	if r.URL.Query().Has("nocache") {
		allowFallback = false
	}

	routineSource, err := os.ReadFile(h.scriptPath)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "script_unavailable", "transformation routine could not be read")
		return
	}

	start := time.Now()
	artifact, err := h.converter.Convert(r.Context(), url, profileName, string(routineSource), allowFallback)
	h.record(r, url, profileName, time.Since(start), err)
	if err != nil {
		AddError(r.Context(), err)
		status := http.StatusInternalServerError
		kind := "internal"
		var ce *domain.ConvertError
		if errors.As(err, &ce) {
			status = ce.HTTPStatusCode()
			kind = string(ce.Kind)
		}
		writeError(w, status, kind, err.Error())
		return
	}
	defer artifact.Discard()

	body, err := artifact.Open()
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "internal", "artifact could not be read")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	if isRecognizedClient(r.UserAgent()) {
		for _, key := range forwardedMetadata {
			if v, ok := artifact.Metadata[key]; ok {
				w.Header().Set(key, v)
			}
		}
	}
	if w.Header().Get("Content-Disposition") == "" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", artifact.FileName))
	}

	if _, err := io.Copy(w, body); err != nil {
		// The transfer was aborted mid-stream; cleanup still runs via
		// the deferred Close.
		AddError(r.Context(), err)
	}
}

// HandleStatus reports recent conversion outcomes.
func (h *ConvertHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"history": "disabled"})
		return
	}
	records, err := h.history.Recent(r.Context(), 50)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "internal", "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recent": records})
}

// HandleHealth is the liveness probe.
func (h *ConvertHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ConvertHandler) record(r *http.Request, url, profileName string, duration time.Duration, convErr error) {
	if h.history == nil {
		return
	}
	rec := &history.Record{
		ID:           uuid.New().String(),
		SourceDigest: string(cache.KeyFor(url)),
		Profile:      profileName,
		Status:       "ok",
		Duration:     duration,
	}
	if convErr != nil {
		rec.Status = "error"
		rec.ErrorKind = string(domain.KindOf(convErr))
	}
	if err := h.history.Add(r.Context(), rec); err != nil {
		h.logger.Warn("failed to record conversion",
			slog.String("error", err.Error()))
	}
}

func isRecognizedClient(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, client := range recognizedClients {
		if strings.Contains(ua, client) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    kind,
			"message": message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
