package deepgram

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/coder/websocket"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	assertEqual(t, "alternatives", "3", q.Get("alternatives"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomModel(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURL_AlternativesAndInterim(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Alternatives: 5, InterimResults: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "alternatives", "5", u.Query().Get("alternatives"))
	assertEqual(t, "interim_results", "true", u.Query().Get("interim_results"))
}

func TestBuildURL_LanguageOverridenByCfg(t *testing.T) {
	// cfg.Language should take precedence over the provider-level default.
	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR", SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: 16000,
		Keywords: []stt.KeywordBoost{
			{Keyword: "hey earshot", Boost: 5},
			{Keyword: "computer", Boost: 3.5},
		},
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}

	// Both keywords should be present (order may vary).
	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	if !found["hey earshot:5"] {
		t.Errorf("expected keyword 'hey earshot:5', got %v", kws)
	}
	if !found["computer:3.5"] {
		t.Errorf("expected keyword 'computer:3.5', got %v", kws)
	}
}

func TestBuildURL_NoKeywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	if _, ok := u.Query()["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "hey earshot",
				"confidence": 0.95,
				"words": [
					{"word": "hey", "start": 0.1, "end": 0.5, "confidence": 0.97},
					{"word": "earshot", "start": 0.6, "end": 1.0, "confidence": 0.93}
				]
			}, {
				"transcript": "hay ear shot",
				"confidence": 0.41,
				"words": []
			}]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}

	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "hey earshot", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	assertEqual(t, "word[0]", "hey", tr.Words[0].Word)
	if tr.Words[0].Start != time.Duration(0.1*float64(time.Second)) {
		t.Errorf("unexpected start: %v", tr.Words[0].Start)
	}
	if len(tr.Alternatives) != 2 {
		t.Fatalf("expected 2 alternatives, got %d", len(tr.Alternatives))
	}
	assertEqual(t, "alt[1]", "hay ear shot", tr.Alternatives[1].Text)
	if tr.Alternatives[1].Confidence != 0.41 {
		t.Errorf("expected alt[1] confidence 0.41, got %f", tr.Alternatives[1].Confidence)
	}
}

func TestParseDeepgramResponse_Partial(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": false,
		"channel": {
			"alternatives": [{
				"transcript": "Hello",
				"confidence": 0.7,
				"words": []
			}]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.IsFinal {
		t.Error("expected IsFinal=false for partial result")
	}
	assertEqual(t, "text", "Hello", tr.Text)
}

func TestParseDeepgramResponse_NonResultsType(t *testing.T) {
	raw := []byte(`{"type":"Metadata","request_id":"abc"}`)
	_, ok := parseDeepgramResponse(raw)
	if ok {
		t.Error("expected ok=false for non-Results message")
	}
}

func TestParseDeepgramResponse_EmptyAlternatives(t *testing.T) {
	raw := []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`)
	_, ok := parseDeepgramResponse(raw)
	if ok {
		t.Error("expected ok=false when alternatives is empty")
	}
}

func TestParseDeepgramResponse_InvalidJSON(t *testing.T) {
	_, ok := parseDeepgramResponse([]byte(`{invalid`))
	if ok {
		t.Error("expected ok=false for invalid JSON")
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- error classification ----

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"idle timeout", websocket.CloseError{Code: websocket.StatusInternalError, Reason: "NET-0001"}, stt.ErrNoSpeech},
		{"bad audio", websocket.CloseError{Code: websocket.StatusInternalError, Reason: "DATA-0000"}, stt.ErrAudioCapture},
		{"policy", websocket.CloseError{Code: websocket.StatusPolicyViolation, Reason: "quota"}, stt.ErrServiceNotAllowed},
		{"abnormal", errors.New("connection reset by peer"), stt.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyClose(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classifyClose(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	if got := classifyClose(websocket.CloseError{Code: websocket.StatusNormalClosure}); got != nil {
		t.Errorf("normal closure = %v, want nil", got)
	}
}

func TestClassifyDial(t *testing.T) {
	cause := errors.New("handshake failed")
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, stt.ErrNotAllowed},
		{http.StatusPaymentRequired, stt.ErrServiceNotAllowed},
		{http.StatusForbidden, stt.ErrServiceNotAllowed},
		{http.StatusBadGateway, stt.ErrNetwork},
	}
	for _, tt := range tests {
		got := classifyDial(&http.Response{StatusCode: tt.status}, cause)
		if !errors.Is(got, tt.want) || !errors.Is(got, cause) {
			t.Errorf("classifyDial(%d) = %v, want %v wrapping cause", tt.status, got, tt.want)
		}
	}
	if got := classifyDial(nil, cause); !errors.Is(got, stt.ErrNetwork) {
		t.Errorf("classifyDial(nil) = %v, want ErrNetwork", got)
	}
}

// ---- session tests against a local WebSocket server ----

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSession_FinalThenIdleTimeout(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hey earshot","confidence":0.9}]}}`))
		c.Close(websocket.StatusInternalError, "NET-0001 no audio received")
	}))
	defer srv.Close()

	p, err := New("secret", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}
	sess, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer sess.Close()

	if auth := <-gotAuth; auth != "Token secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if err := sess.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	var finals []stt.Transcript
	for tr := range sess.Finals() {
		finals = append(finals, tr)
	}
	if len(finals) != 1 || finals[0].Text != "hey earshot" {
		t.Fatalf("finals = %+v", finals)
	}
	if err := sess.Err(); !errors.Is(err, stt.ErrNoSpeech) {
		t.Errorf("Err() = %v, want ErrNoSpeech", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio after engine stop should fail")
	}
}

func TestSession_CloseLeavesErrNil(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Echo nothing; close once the client asks to.
		for {
			typ, msg, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(msg), "CloseStream") {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	defer srv.Close()

	p, err := New("k", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}
	sess, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err() after Close = %v, want nil", err)
	}
	if _, ok := <-sess.Finals(); ok {
		t.Error("Finals not closed after Close")
	}
}

func TestStartStream_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := New("bad", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.StartStream(t.Context(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrNotAllowed) {
		t.Errorf("StartStream error = %v, want ErrNotAllowed", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
