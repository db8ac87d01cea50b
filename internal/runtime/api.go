package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/voxread-labs/voxread-core/internal/extract"
	"github.com/voxread-labs/voxread-core/internal/playback"
	"github.com/voxread-labs/voxread-core/internal/voices"
)

const maxDocumentBytes = 16 << 20

func (r *Runtime) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/document", r.handleLoadDocument)
	mux.HandleFunc("GET /v1/playback", r.handleSnapshot)
	mux.HandleFunc("POST /v1/playback/play", r.command(func() (playback.Snapshot, error) { return r.controller.Play() }))
	mux.HandleFunc("POST /v1/playback/pause", r.command(func() (playback.Snapshot, error) { return r.controller.Pause() }))
	mux.HandleFunc("POST /v1/playback/stop", r.command(func() (playback.Snapshot, error) { return r.controller.Stop() }))
	mux.HandleFunc("POST /v1/playback/next", r.command(func() (playback.Snapshot, error) { return r.controller.Next() }))
	mux.HandleFunc("POST /v1/playback/previous", r.command(func() (playback.Snapshot, error) { return r.controller.Previous() }))
	mux.HandleFunc("POST /v1/playback/resume", r.command(func() (playback.Snapshot, error) { return r.controller.AcceptResume() }))
	mux.HandleFunc("POST /v1/playback/seek", r.handleSeek)
	mux.HandleFunc("POST /v1/playback/rate", r.handleRate)
	mux.HandleFunc("POST /v1/playback/pitch", r.handlePitch)
	mux.HandleFunc("POST /v1/playback/voice", r.handleVoice)
	mux.HandleFunc("GET /v1/playback/events", r.handleEvents)
	mux.HandleFunc("GET /v1/voices", r.handleVoices)
}

// handleLoadDocument runs the request body through the extractor and
// loads the result. An optional ?id= pins the document identity;
// otherwise a content hash is derived so progress survives reloads.
func (r *Runtime) handleLoadDocument(w http.ResponseWriter, req *http.Request) {
	body := http.MaxBytesReader(w, req.Body, maxDocumentBytes)
	text, err := r.extractor.Extract(req.Context(), body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	snap, err := r.controller.Load(req.Context(), req.URL.Query().Get("id"), text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Runtime) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.controller.Snapshot())
}

func (r *Runtime) command(fn func() (playback.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap, err := fn()
		if err != nil {
			writeError(w, commandStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (r *Runtime) handleSeek(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := r.controller.Seek(body.Index)
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Runtime) handleRate(w http.ResponseWriter, req *http.Request) {
	r.handleParam(w, req, r.controller.SetRate)
}

func (r *Runtime) handlePitch(w http.ResponseWriter, req *http.Request) {
	r.handleParam(w, req, r.controller.SetPitch)
}

func (r *Runtime) handleParam(w http.ResponseWriter, req *http.Request, set func(float64) (playback.Snapshot, error)) {
	var body struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := set(body.Value)
	if err != nil {
		writeError(w, commandStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Runtime) handleVoice(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Locale  string `json:"locale"`
		Quality string `json:"quality"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := r.controller.SetVoice(voices.Criteria{
		Name:    body.Name,
		Locale:  body.Locale,
		Quality: body.Quality,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Runtime) handleEvents(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limit = n
	}
	events, err := r.store.ListSessionEvents(req.Context(), r.controller.SessionID(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type apiEvent struct {
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt string          `json:"created_at"`
	}
	out := make([]apiEvent, 0, len(events))
	for _, e := range events {
		out = append(out, apiEvent{
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": r.controller.SessionID(),
		"events":     out,
	})
}

func (r *Runtime) handleVoices(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	ds, err := voices.Filter(voices.Criteria{
		Locale:  q.Get("locale"),
		Quality: q.Get("quality"),
		WebOnly: q.Get("web") == "true",
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type apiVoice struct {
		voices.Descriptor
		Display string `json:"display"`
	}
	out := make([]apiVoice, 0, len(ds))
	for _, d := range ds {
		out = append(out, apiVoice{Descriptor: d, Display: voices.DisplayName(d)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"voices": out})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, playback.ErrNoDocument), errors.Is(err, playback.ErrEmptyDocument):
		return http.StatusConflict
	case errors.Is(err, extract.ErrExtraction):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
