// Package deepgram transcribes finished audio clips with Deepgram's
// pre-recorded API (POST /v1/listen).
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/earshot/internal/transcribe"
)

const (
	defaultEndpoint = "https://api.deepgram.com/v1/listen"
	defaultModel    = "nova-3"
)

var _ transcribe.Transcriber = (*Backend)(nil)

// Option is a functional option for Backend.
type Option func(*Backend)

// WithEndpoint overrides the API URL.
func WithEndpoint(u string) Option { return func(b *Backend) { b.endpoint = u } }

// WithModel sets the default model. Default "nova-3".
func WithModel(m string) Option { return func(b *Backend) { b.model = m } }

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(c *http.Client) Option { return func(b *Backend) { b.httpClient = c } }

// Backend implements transcribe.Transcriber.
type Backend struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
}

// New returns a Backend authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram transcribe: apiKey must not be empty")
	}
	b := &Backend{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []transcribe.Alternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements transcribe.Transcriber. opts.Alternatives is sent as
// the alternatives query parameter.
func (b *Backend) Transcribe(ctx context.Context, audio []byte, opts transcribe.Options) (transcribe.Result, error) {
	if len(audio) == 0 {
		return transcribe.Result{}, transcribe.ErrEmptyAudio
	}

	u, err := url.Parse(b.endpoint)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("deepgram transcribe: parse endpoint: %w", err)
	}
	q := u.Query()
	model := b.model
	if opts.Model != "" {
		model = opts.Model
	}
	q.Set("model", model)
	q.Set("smart_format", "true")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Alternatives > 1 {
		q.Set("alternatives", strconv.Itoa(opts.Alternatives))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audio))
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("deepgram transcribe: create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+b.apiKey)
	req.Header.Set("Content-Type", opts.MimeTypeOrDefault())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("deepgram transcribe: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transcribe.Result{}, fmt.Errorf("deepgram transcribe: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return transcribe.Result{}, &transcribe.ResponseError{
			Backend: "deepgram", Status: resp.StatusCode, Body: body,
			Err: errors.New(http.StatusText(resp.StatusCode)),
		}
	}

	var lr listenResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return transcribe.Result{}, &transcribe.ResponseError{Backend: "deepgram", Status: resp.StatusCode, Body: body, Err: err}
	}
	if len(lr.Results.Channels) == 0 {
		return transcribe.Result{}, nil
	}

	var res transcribe.Result
	for _, a := range lr.Results.Channels[0].Alternatives {
		a.Text = strings.TrimSpace(a.Text)
		if a.Text == "" {
			continue
		}
		res.Alternatives = append(res.Alternatives, a)
	}
	if len(res.Alternatives) > 0 {
		res.Text = res.Alternatives[0].Text
	}
	return res, nil
}
