// Package whisper transcribes audio clips with a whisper.cpp server
// (POST /inference).
//
// The server is asked for verbose JSON so per-segment token probabilities can
// be averaged into a confidence score. Servers that only return "text" yield
// a result without confidence.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/earshot/internal/transcribe"
)

var _ transcribe.Transcriber = (*Backend)(nil)

// Option is a functional option for Backend.
type Option func(*Backend)

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithModel sets the model name forwarded to the server.
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// Backend implements transcribe.Transcriber against a whisper.cpp server.
type Backend struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// New returns a Backend for the server at serverURL.
func New(serverURL string, opts ...Option) (*Backend, error) {
	if serverURL == "" {
		return nil, errors.New("whisper transcribe: serverURL must not be empty")
	}
	b := &Backend{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text   string `json:"text"`
		Tokens []struct {
			Text string  `json:"text"`
			P    float64 `json:"p"`
		} `json:"tokens"`
	} `json:"segments"`
}

// Transcribe implements transcribe.Transcriber.
func (b *Backend) Transcribe(ctx context.Context, audio []byte, opts transcribe.Options) (transcribe.Result, error) {
	if len(audio) == 0 {
		return transcribe.Result{}, transcribe.ErrEmptyAudio
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper transcribe: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper transcribe: write audio: %w", err)
	}
	fields := map[string]string{"response_format": "verbose_json"}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if model := orString(opts.Model, b.model); model != "" {
		fields["model"] = model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return transcribe.Result{}, fmt.Errorf("whisper transcribe: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper transcribe: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL+"/inference", &body)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper transcribe: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper transcribe: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("whisper transcribe: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return transcribe.Result{}, &transcribe.ResponseError{
			Backend: "whisper", Status: resp.StatusCode, Body: data,
			Err: errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	var vr verboseResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return transcribe.Result{}, &transcribe.ResponseError{Backend: "whisper", Status: resp.StatusCode, Body: data, Err: err}
	}

	text := strings.TrimSpace(vr.Text)
	if text == "" {
		parts := make([]string, 0, len(vr.Segments))
		for _, s := range vr.Segments {
			parts = append(parts, strings.TrimSpace(s.Text))
		}
		text = strings.TrimSpace(strings.Join(parts, " "))
	}
	if text == "" {
		return transcribe.Result{}, nil
	}

	var sum float64
	var n int
	for _, s := range vr.Segments {
		for _, tok := range s.Tokens {
			if strings.HasPrefix(tok.Text, "[_") || strings.HasPrefix(tok.Text, "<|") {
				continue
			}
			sum += tok.P
			n++
		}
	}
	var conf float64
	if n > 0 {
		conf = sum / float64(n)
	}
	return transcribe.Result{
		Text:         text,
		Alternatives: []transcribe.Alternative{{Text: text, Confidence: conf}},
	}, nil
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
