package confirm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/transcribe"
	"github.com/MrWong99/earshot/pkg/audio"
)

const (
	maxRequestBytes    = 4 << 20
	defaultSampleRate  = 16000
	serverAlternatives = 3
)

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithServerPolicy sets the thresholds the server applies.
func WithServerPolicy(p Policy) ServerOption { return func(s *Server) { s.policy = p.withDefaults() } }

// WithLanguage sets the transcription language.
func WithLanguage(lang string) ServerOption { return func(s *Server) { s.language = lang } }

// Server is the HTTP handler for POST /v1/wake/confirm.
type Server struct {
	t        transcribe.Transcriber
	policy   Policy
	language string
}

var _ http.Handler = (*Server)(nil)

// NewServer returns a Server transcribing with t.
func NewServer(t transcribe.Transcriber, opts ...ServerOption) *Server {
	s := &Server{t: t, policy: DefaultPolicy()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Verify transcribes pcm (16-bit mono at sampleRate) and judges it against
// wakeWord and the client's score.
func (s *Server) Verify(ctx context.Context, pcm []byte, sampleRate int, wakeWord string, client float64) (Result, error) {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	res, err := s.t.Transcribe(ctx, audio.EncodeWAV(pcm, sampleRate, 1), transcribe.Options{
		MimeType:     "audio/wav",
		Language:     s.language,
		Alternatives: serverAlternatives,
	})
	if err != nil {
		return Result{}, fmt.Errorf("confirm: transcribe: %w", err)
	}
	hyps := res.Hypotheses()
	if len(hyps) == 0 {
		return s.policy.ClientOnly(client), nil
	}
	return s.policy.Combine(client, ServerScore(hyps, wakeWord), hyps[0].Text, hyps), nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}

	var req wireRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}
	pcm, err := req.decode()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	res, err := s.Verify(r.Context(), pcm, req.SampleRate, req.WakeWord, req.Confidence)
	if err != nil {
		log.Warn("confirm: verification failed", "user", req.UserID, "wake_word", req.WakeWord, "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "transcription failed"})
		return
	}
	log.Info("confirm: verified",
		"user", req.UserID,
		"wake_word", req.WakeWord,
		"method", res.Method,
		"confirmed", res.Confirmed,
		"confidence", res.Confidence,
	)
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
