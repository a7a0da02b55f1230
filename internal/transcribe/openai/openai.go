// Package openai transcribes audio clips with the OpenAI audio
// transcriptions endpoint.
//
// Models that support log probabilities (gpt-4o-transcribe and
// gpt-4o-mini-transcribe) are asked for them, and the result's confidence is
// the exponential of the mean token log probability. whisper-1 reports no
// confidence.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/earshot/internal/transcribe"
)

// DefaultModel is used when neither the Backend nor the call names a model.
const DefaultModel = oai.AudioModelWhisper1

var _ transcribe.Transcriber = (*Backend)(nil)

// Backend implements transcribe.Transcriber using the OpenAI API.
type Backend struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Backend.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a Backend. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("openai transcribe: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Backend{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Model returns the default model.
func (b *Backend) Model() string { return b.model }

// Transcribe implements transcribe.Transcriber.
func (b *Backend) Transcribe(ctx context.Context, audio []byte, opts transcribe.Options) (transcribe.Result, error) {
	if len(audio) == 0 {
		return transcribe.Result{}, transcribe.ErrEmptyAudio
	}
	model := b.model
	if opts.Model != "" {
		model = opts.Model
	}

	mime := opts.MimeTypeOrDefault()
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio), "audio"+extension(mime), mime),
		Model: model,
	}
	if lang := language(opts.Language); lang != "" {
		params.Language = oai.String(lang)
	}
	if supportsLogprobs(model) {
		params.Include = []oai.TranscriptionInclude{oai.TranscriptionIncludeLogprobs}
	}

	resp, err := b.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return transcribe.Result{}, &transcribe.ResponseError{
				Backend: "openai",
				Status:  apiErr.StatusCode,
				Body:    []byte(apiErr.RawJSON()),
				Err:     err,
			}
		}
		return transcribe.Result{}, fmt.Errorf("openai transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	lp := make([]float64, len(resp.Logprobs))
	for i, l := range resp.Logprobs {
		lp[i] = l.Logprob
	}
	return transcribe.Result{
		Text:         text,
		Alternatives: []transcribe.Alternative{{Text: text, Confidence: confidence(lp)}},
	}, nil
}

// confidence converts token log probabilities into a [0, 1] score.
func confidence(logprobs []float64) float64 {
	if len(logprobs) == 0 {
		return 0
	}
	var sum float64
	for _, lp := range logprobs {
		sum += lp
	}
	return min(max(math.Exp(sum/float64(len(logprobs))), 0), 1)
}

func supportsLogprobs(model string) bool {
	return strings.Contains(model, "gpt-4o") && strings.Contains(model, "transcribe")
}

// language reduces a BCP-47 tag to the ISO-639-1 code the API expects.
func language(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func extension(mime string) string {
	switch {
	case strings.Contains(mime, "wav"):
		return ".wav"
	case strings.Contains(mime, "webm"):
		return ".webm"
	case strings.Contains(mime, "ogg"), strings.Contains(mime, "opus"):
		return ".ogg"
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return ".mp3"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"):
		return ".m4a"
	case strings.Contains(mime, "flac"):
		return ".flac"
	default:
		return ".wav"
	}
}
