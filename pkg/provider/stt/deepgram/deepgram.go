// Package deepgram provides a Deepgram-backed recognition engine using the
// Deepgram streaming WebSocket API. It implements the stt.Provider interface.
//
// Sessions request interim results and up to StreamConfig.Alternatives
// hypotheses per final. When Deepgram ends a session on its own, Err reports
// the cause: a handshake rejected with 401 wraps stt.ErrNotAllowed, 402/403
// wrap stt.ErrServiceNotAllowed, an idle timeout (NET-0001) wraps
// stt.ErrNoSpeech, undecodable audio (DATA-0000) wraps stt.ErrAudioCapture and
// anything else on the wire wraps stt.ErrNetwork.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	closeTimeout = 2 * time.Second
)

var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint. Intended for tests and
// self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming recognition session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", classifyDial(resp, err))
	}

	sess := &session{
		conn:     conn,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		keywords: cfg.Keywords,
	}

	sess.wg.Add(1)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("alternatives", strconv.Itoa(cfg.MaxAlternatives()))
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "earshot:5")
		val := fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost)
		q.Add("keywords", val)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	errMu sync.Mutex
	err   error

	kwMu     sync.RWMutex
	keywords []stt.KeywordBoost // stored for reference; Deepgram doesn't support mid-stream updates
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	case <-s.readDone:
		return fmt.Errorf("deepgram: session ended: %w", s.Err())
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	case <-s.readDone:
		return fmt.Errorf("deepgram: session ended: %w", s.Err())
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords records the new keyword list. Deepgram does not support mid-stream
// keyword updates, so this returns stt.ErrNotSupported.
func (s *session) SetKeywords(keywords []stt.KeywordBoost) error {
	s.kwMu.Lock()
	s.keywords = keywords
	s.kwMu.Unlock()
	return fmt.Errorf("deepgram: mid-session keyword updates: %w", stt.ErrNotSupported)
}

// Err reports why Deepgram ended the session.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()

		// Ask Deepgram to flush, give it a moment to close its side, then
		// close ours.
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		_ = s.conn.Write(ctx, websocket.MessageText, closeStreamMsg)
		cancel()
		select {
		case <-s.readDone:
		case <-time.After(closeTimeout):
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.readDone
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.readDone:
			return
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches them to the
// partials and finals channels.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.finish(err)
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			default:
				// Partials are advisory; drop rather than stall the reader.
			}
		}
	}
}

// finish records the termination cause unless the caller closed the session.
func (s *session) finish(readErr error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.errMu.Lock()
	s.err = classifyClose(readErr)
	s.errMu.Unlock()
}

// ---- error classification ----

// classifyDial maps a failed WebSocket handshake to a stt sentinel.
func classifyDial(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %w", stt.ErrNotAllowed, err)
		case http.StatusPaymentRequired, http.StatusForbidden:
			return fmt.Errorf("%w: %w", stt.ErrServiceNotAllowed, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", stt.ErrNetwork, err)
}

// classifyClose maps a read error on an established session. A normal closure
// by Deepgram returns nil: the engine simply stopped.
func classifyClose(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == websocket.StatusNormalClosure:
			return nil
		case strings.Contains(ce.Reason, "NET-0001"):
			return fmt.Errorf("%w: %s", stt.ErrNoSpeech, ce.Reason)
		case strings.Contains(ce.Reason, "DATA-"):
			return fmt.Errorf("%w: %s", stt.ErrAudioCapture, ce.Reason)
		case ce.Code == websocket.StatusPolicyViolation:
			return fmt.Errorf("%w: %s", stt.ErrServiceNotAllowed, ce.Reason)
		}
	}
	return fmt.Errorf("%w: %w", stt.ErrNetwork, err)
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alts := make([]stt.Alternative, 0, len(resp.Channel.Alternatives))
	for _, a := range resp.Channel.Alternatives {
		if a.Transcript == "" {
			continue
		}
		alts = append(alts, stt.Alternative{Text: a.Transcript, Confidence: a.Confidence})
	}

	top := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(top.Words))
	for _, w := range top.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      secs(w.Start),
			End:        secs(w.End),
			Confidence: w.Confidence,
		})
	}

	return stt.Transcript{
		Text:         top.Transcript,
		IsFinal:      resp.IsFinal,
		Confidence:   top.Confidence,
		Alternatives: alts,
		Words:        words,
		Timestamp:    secs(resp.Start),
		Duration:     secs(resp.Duration),
	}, true
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
