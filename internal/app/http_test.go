package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/live"
	audiomock "github.com/MrWong99/livescribe/pkg/audio/mock"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

func newServer(t *testing.T, a *app.App) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(b)
}

type statusBody struct {
	State           string            `json:"state"`
	ModelTier       string            `json:"model_tier"`
	Engines         []string          `json:"engines"`
	SnapshotVersion uint64            `json:"snapshot_version"`
	Breakers        map[string]string `json:"breakers"`
	Archive         bool              `json:"archive"`
	Publish         bool              `json:"publish"`
}

func getStatus(t *testing.T, base string) statusBody {
	t.Helper()
	code, body := do(t, http.MethodGet, base+"/api/status", "")
	if code != http.StatusOK {
		t.Fatalf("status: %d %s", code, body)
	}
	var st statusBody
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func TestHTTP_SessionLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Transcription.Engines = []config.ProviderEntry{{ID: "side", Name: "mockstt", Model: "aside"}}
	reg, _ := testRegistry()
	a := newApp(t, cfg, reg, app.WithSource(&audiomock.Source{Frames: utterances(2)}))
	srv := newServer(t, a)

	st := getStatus(t, srv.URL)
	if st.State != "idle" || st.ModelTier != "" || st.Archive || st.Publish {
		t.Errorf("initial status = %+v", st)
	}

	// The model engine is configured but not loaded yet.
	if code, body := do(t, http.MethodPost, srv.URL+"/api/session/start", ""); code != http.StatusServiceUnavailable {
		t.Errorf("start before load: %d %s", code, body)
	}

	code, body := do(t, http.MethodPut, srv.URL+"/api/model?wait=true", `{"tier":"Small"}`)
	if code != http.StatusOK {
		t.Fatalf("PUT /api/model: %d %s", code, body)
	}
	st = getStatus(t, srv.URL)
	if st.ModelTier != "small" || strings.Join(st.Engines, ",") != "mockmodel,side" {
		t.Errorf("status after load = %+v", st)
	}
	if st.Breakers["mockmodel/mockmodel"] != "closed" || st.Breakers["side/mockstt"] != "closed" {
		t.Errorf("breakers = %v", st.Breakers)
	}

	if code, body := do(t, http.MethodPost, srv.URL+"/api/session/start", ""); code != http.StatusOK {
		t.Fatalf("start: %d %s", code, body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Controller().Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// The finite source ended the session on its own.
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/session/stop", ""); code != http.StatusConflict {
		t.Errorf("stop while idle: %d, want 409", code)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/transcript?engine=mockmodel", "")
	if code != http.StatusOK || body != "small\nsmall" {
		t.Errorf("plain transcript: %d %q", code, body)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/api/transcript?engine=nope", ""); code != http.StatusNotFound {
		t.Errorf("unknown engine: %d, want 404", code)
	}

	code, body = do(t, http.MethodGet, srv.URL+"/api/transcript", "")
	var tr struct {
		Engines     []string          `json:"engines"`
		Transcripts map[string]string `json:"transcripts"`
	}
	if err := json.Unmarshal([]byte(body), &tr); err != nil || code != http.StatusOK {
		t.Fatalf("transcripts: %d %v", code, err)
	}
	if tr.Transcripts["side"] != "aside\naside" || strings.Join(tr.Engines, ",") != "mockmodel,side" {
		t.Errorf("transcripts = %+v", tr)
	}

	if code, _ := do(t, http.MethodDelete, srv.URL+"/api/transcript", ""); code != http.StatusNoContent {
		t.Errorf("DELETE transcript: %d, want 204", code)
	}
	if got := a.Controller().Sink().Transcripts(); len(got) != 0 {
		t.Errorf("transcripts after clear = %v", got)
	}
}

func TestHTTP_StopWhileRecording(t *testing.T) {
	reg, _ := testRegistry()
	a := newApp(t, testConfig(), reg, app.WithSource(&audiomock.Source{HoldOpen: true}))
	srv := newServer(t, a)
	loadModel(t, a, stt.TierBase)

	if code, body := do(t, http.MethodPost, srv.URL+"/api/session/start", ""); code != http.StatusOK {
		t.Fatalf("start: %d %s", code, body)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/session/start", ""); code != http.StatusConflict {
		t.Errorf("second start: %d, want 409", code)
	}
	if code, body := do(t, http.MethodPost, srv.URL+"/api/session/stop", ""); code != http.StatusAccepted {
		t.Fatalf("stop: %d %s", code, body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Controller().Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestHTTP_ModelRequests(t *testing.T) {
	reg, _ := testRegistry()
	a := newApp(t, testConfig(), reg, app.WithSource(&audiomock.Source{}))
	srv := newServer(t, a)

	tests := []struct {
		name string
		url  string
		body string
		want int
	}{
		{"bad json", "/api/model", `{"tier":`, http.StatusBadRequest},
		{"bad tier", "/api/model", `{"tier":"huge"}`, http.StatusBadRequest},
		{"async", "/api/model", `{"tier":"tiny"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, body := do(t, http.MethodPut, srv.URL+tt.url, tt.body); code != tt.want {
				t.Errorf("code = %d (%s), want %d", code, body, tt.want)
			}
		})
	}
	waitFor(t, "tiny model", func() bool { return a.Controller().Status().ModelTier == stt.TierTiny })
}

func TestHTTP_ModelLoadFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Transcription.Model.Options = map[string]any{"fail": true}
	reg, _ := testRegistry()
	a := newApp(t, cfg, reg, app.WithSource(&audiomock.Source{}))
	srv := newServer(t, a)

	code, body := do(t, http.MethodPut, srv.URL+"/api/model?wait=1", `{"tier":"base"}`)
	if code != http.StatusBadGateway || !strings.Contains(body, "model file missing") {
		t.Errorf("failed load: %d %s", code, body)
	}
}

func TestHTTP_ModelWithoutModelEngine(t *testing.T) {
	cfg := testConfig()
	cfg.Transcription.Model = config.ProviderEntry{}
	cfg.Transcription.Engines = []config.ProviderEntry{{Name: "mockstt", Model: "only"}}
	reg, _ := testRegistry()
	a := newApp(t, cfg, reg, app.WithSource(&audiomock.Source{Frames: utterances(1)}))
	srv := newServer(t, a)

	if code, _ := do(t, http.MethodPut, srv.URL+"/api/model", `{"tier":"base"}`); code != http.StatusConflict {
		t.Errorf("PUT /api/model: %d, want 409", code)
	}
	// Secondary engines alone can run a session.
	if code, body := do(t, http.MethodPost, srv.URL+"/api/session/start", ""); code != http.StatusOK {
		t.Fatalf("start: %d %s", code, body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Controller().Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := a.Controller().Sink().Transcript("mockstt"); got != "only" {
		t.Errorf("transcript = %q, want only", got)
	}
}

func TestHTTP_Search(t *testing.T) {
	reg, _ := testRegistry()

	t.Run("no archive", func(t *testing.T) {
		a := newApp(t, testConfig(), reg, app.WithSource(&audiomock.Source{}))
		srv := newServer(t, a)
		if code, _ := do(t, http.MethodGet, srv.URL+"/api/search?q=x", ""); code != http.StatusNotFound {
			t.Errorf("code = %d, want 404", code)
		}
	})

	t.Run("archive", func(t *testing.T) {
		ar := &fakeArchive{records: []live.ResultRecord{
			{SessionID: "s1", Seq: 1, Results: map[string]string{"whisper": "deploy on friday"}},
			{SessionID: "s1", Seq: 2, Results: map[string]string{"whisper": "lunch at noon"}},
		}}
		a := newApp(t, testConfig(), reg, app.WithSource(&audiomock.Source{}), app.WithArchive(ar))
		srv := newServer(t, a)

		code, body := do(t, http.MethodGet, srv.URL+"/api/search?q=deploy", "")
		if code != http.StatusOK {
			t.Fatalf("search: %d %s", code, body)
		}
		var resp struct {
			Query string `json:"query"`
			Hits  []struct {
				Seq   uint64  `json:"seq"`
				Text  string  `json:"text"`
				Score float64 `json:"score"`
			} `json:"hits"`
		}
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Query != "deploy" || len(resp.Hits) != 1 || resp.Hits[0].Seq != 1 || resp.Hits[0].Text != "deploy on friday" {
			t.Errorf("response = %+v", resp)
		}

		for _, tc := range []struct {
			query string
			want  int
		}{
			{"?q=", http.StatusBadRequest},
			{"?q=x&k=0", http.StatusBadRequest},
			{"?q=x&k=abc", http.StatusBadRequest},
			{"?q=nothing&k=3", http.StatusOK},
		} {
			if code, body := do(t, http.MethodGet, srv.URL+"/api/search"+tc.query, ""); code != tc.want {
				t.Errorf("%s: %d %s, want %d", tc.query, code, body, tc.want)
			}
		}
		if st := getStatus(t, srv.URL); !st.Archive {
			t.Error("status does not report the archive")
		}
	})
}

func TestHTTP_Feed(t *testing.T) {
	reg, _ := testRegistry()
	a := newApp(t, testConfig(), reg, app.WithSource(&audiomock.Source{Frames: utterances(2)}))
	srv := newServer(t, a)
	loadModel(t, a, stt.TierBase)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/feed", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := a.Controller().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for want := uint64(1); want <= 2; want++ {
		var rec live.ResultRecord
		if err := wsjson.Read(ctx, conn, &rec); err != nil {
			t.Fatalf("read record %d: %v", want, err)
		}
		if rec.Seq != want || rec.Text("mockmodel") != "base" {
			t.Errorf("record = %+v, want seq %d with text base", rec, want)
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	reg, _ := testRegistry()
	ar := &fakeArchive{pingErr: context.DeadlineExceeded}
	a := newApp(t, testConfig(), reg, app.WithSource(&audiomock.Source{}), app.WithArchive(ar))
	srv := newServer(t, a)

	if code, _ := do(t, http.MethodGet, srv.URL+"/healthz", ""); code != http.StatusOK {
		t.Errorf("healthz: %d", code)
	}
	if code, body := do(t, http.MethodGet, srv.URL+"/readyz", ""); code != http.StatusServiceUnavailable {
		t.Errorf("readyz before model load: %d %s", code, body)
	}

	loadModel(t, a, stt.TierBase)
	code, body := do(t, http.MethodGet, srv.URL+"/readyz", "")
	if code != http.StatusOK || !strings.Contains(body, `"degraded"`) {
		t.Errorf("readyz with failing optional archive: %d %s", code, body)
	}

	if code, _ := do(t, http.MethodGet, srv.URL+"/metrics", ""); code != http.StatusOK {
		t.Errorf("metrics: %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/status", ""); code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/status: %d, want 405", code)
	}
}
