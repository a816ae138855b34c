package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livescribe/internal/archive/postgres"
	"github.com/MrWong99/livescribe/internal/live"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// feedWriteTimeout bounds one websocket write to a feed client.
const feedWriteTimeout = 5 * time.Second

// maxBodyBytes caps request bodies of the JSON endpoints.
const maxBodyBytes = 1 << 16

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/transcript", a.handleTranscript)
	mux.HandleFunc("DELETE /api/transcript", a.handleClear)
	mux.HandleFunc("POST /api/session/start", a.handleStart)
	mux.HandleFunc("POST /api/session/stop", a.handleStop)
	mux.HandleFunc("PUT /api/model", a.handleModel)
	mux.HandleFunc("GET /api/search", a.handleSearch)
	mux.HandleFunc("GET /api/feed", a.handleFeed)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// statusResponse extends the controller status with the breaker states and
// the optional backends.
type statusResponse struct {
	live.Status
	Breakers map[string]string `json:"breakers,omitempty"`
	Archive  bool              `json:"archive"`
	Semantic bool              `json:"semantic_search"`
	Publish  bool              `json:"publish"`
}

func (a *App) status() statusResponse {
	st := a.ctrl.Status()
	a.mu.Lock()
	modelID := a.modelEntry.EngineID()
	a.mu.Unlock()
	resp := statusResponse{
		Status:   st,
		Breakers: a.guards.states(modelID),
		Archive:  a.archive != nil,
		Publish:  a.publisher != nil,
	}
	if s, ok := a.archive.(interface{ Semantic() bool }); ok {
		resp.Semantic = s.Semantic()
	}
	return resp
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

type transcriptResponse struct {
	Engines     []string          `json:"engines"`
	Transcripts map[string]string `json:"transcripts"`
}

// handleTranscript returns every engine's transcript as JSON, or one engine's
// transcript as plain text with ?engine=<id>.
func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sink := a.ctrl.Sink()
	if id := r.URL.Query().Get("engine"); id != "" {
		if !slices.Contains(sink.Engines(), id) {
			writeError(w, http.StatusNotFound, "unknown engine "+strconv.Quote(id))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sink.Transcript(id)))
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		Engines:     sink.Engines(),
		Transcripts: sink.Transcripts(),
	})
}

func (a *App) handleClear(w http.ResponseWriter, r *http.Request) {
	a.ctrl.Sink().Clear()
	observe.Logger(r.Context()).Info("transcripts cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Start(r.Context()); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.ctrl.Stop(); err != nil {
		writeError(w, commandStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, a.status())
}

// commandStatus maps controller errors onto HTTP status codes.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, live.ErrInvalidState), errors.Is(err, live.ErrNoModelEngine):
		return http.StatusConflict
	case errors.Is(err, live.ErrModelNotReady),
		errors.Is(err, live.ErrNoEngines),
		errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type modelRequest struct {
	Tier string `json:"tier"`
}

// handleModel switches the model tier. The load runs in the background and
// the request returns 202 at once; with ?wait=true it blocks until the load
// finished and reports its outcome.
func (a *App) handleModel(w http.ResponseWriter, r *http.Request) {
	if !a.hasModel {
		writeError(w, http.StatusConflict, live.ErrNoModelEngine.Error())
		return
	}
	var req modelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	tier, err := stt.ParseTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	done := a.ctrl.SetModelAsync(tier)
	observe.Logger(r.Context()).Info("model switch requested", "tier", tier)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"tier": string(tier), "status": "loading"})
		return
	}
	select {
	case err := <-done:
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, a.status())
	case <-r.Context().Done():
	}
}

type searchResponse struct {
	Query string         `json:"query"`
	Hits  []postgres.Hit `json:"hits"`
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	q := r.URL.Query().Get("q")
	k := postgres.DefaultSearchLimit
	if s := r.URL.Query().Get("k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = n
	}
	hits, err := a.archive.Search(r.Context(), q, k)
	switch {
	case errors.Is(err, postgres.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		observe.Logger(r.Context()).Error("archive search failed", "err", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []postgres.Hit{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Hits: hits})
}

// handleFeed streams every new record to a websocket client as JSON until the
// client goes away or the application shuts down.
func (a *App) handleFeed(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so a client never misses a
	// record sent right after it connected.
	sub := a.ctrl.Sink().Subscribe("feed", feedBuffer)
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("feed: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The feed is write-only; CloseRead handles pings and the close frame.
	ctx := conn.CloseRead(r.Context())
	slog.Debug("feed: client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case rec, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				slog.Debug("feed: write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec live.ResultRecord) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, rec)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
