package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(16000, "")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_LanguageArgumentWins(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(8000, "fr-FR")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "fr-FR", q.Get("language"))
	assertEqual(t, "sample_rate", "8000", q.Get("sample_rate"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, _ := New("key")
	p.SetKeywords([]stt.KeywordBoost{
		{Keyword: "Kubernetes", Boost: 5},
		{Keyword: "Grafana", Boost: 2.5},
	})

	rawURL, err := p.buildURL(16000, "en")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	got := u.Query()["keywords"]
	if len(got) != 2 || got[0] != "Kubernetes:5" || got[1] != "Grafana:2.5" {
		t.Errorf("keywords = %v", got)
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// ---- response parsing ----

func TestParseFinal(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":" hello there "}]}}`, "hello there", true},
		{"interim", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`, "", false},
		{"empty final", `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`, "", false},
		{"metadata", `{"type":"Metadata","request_id":"abc"}`, "", false},
		{"no alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`, "", false},
		{"garbage", `not json`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseFinal([]byte(tt.in))
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("parseFinal = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// ---- streaming against a fake server ----

// newFakeDeepgram accepts one stream, counts the audio bytes it receives and,
// on CloseStream, replies with finals and closes normally.
func newFakeDeepgram(t *testing.T, finals []string, gotBytes *atomic.Int64, gotAuth *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			gotAuth.Store(r.Header.Get("Authorization"))
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				gotBytes.Add(int64(len(msg)))
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				break
			}
		}
		for _, text := range finals {
			payload := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"` + text + `"}]}}`
			if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
				return
			}
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Metadata"}`))
		conn.Close(websocket.StatusNormalClosure, "")
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTranscribe_CollectsFinals(t *testing.T) {
	var gotBytes atomic.Int64
	var gotAuth atomic.Value
	srv := newFakeDeepgram(t, []string{"hello", "world"}, &gotBytes, &gotAuth)
	defer srv.Close()

	p, _ := New("secret", WithEndpoint(wsURL(srv)))
	pcm := make([]byte, 20000)
	text, err := p.Transcribe(context.Background(), pcm, 16000, "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	assertEqual(t, "text", "hello world", text)
	if gotBytes.Load() != int64(len(pcm)) {
		t.Errorf("server received %d bytes, want %d", gotBytes.Load(), len(pcm))
	}
	assertEqual(t, "auth", "Token secret", gotAuth.Load().(string))
}

func TestTranscribe_NoFinalsIsNotUnderstood(t *testing.T) {
	var gotBytes atomic.Int64
	srv := newFakeDeepgram(t, nil, &gotBytes, nil)
	defer srv.Close()

	p, _ := New("secret", WithEndpoint(wsURL(srv)))
	_, err := p.Transcribe(context.Background(), make([]byte, 3200), 16000, "en")
	if !errors.Is(err, stt.ErrNotUnderstood) {
		t.Errorf("err = %v, want ErrNotUnderstood", err)
	}
}

func TestTranscribe_DialFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := wsURL(srv)
	srv.Close()

	p, _ := New("secret", WithEndpoint(endpoint))
	_, err := p.Transcribe(context.Background(), make([]byte, 3200), 16000, "en")
	if !errors.Is(err, stt.ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
