package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// maxPlainBody bounds how much of a non-JSON body is accepted as text.
const maxPlainBody = 2048

// textPaths are the JSON paths tried, in order, when salvaging a transcript
// from a body that failed to decode.
var textPaths = []string{
	"text",
	"transcript",
	"results.channels.0.alternatives.0.transcript",
	"segments.#.text",
}

// BestEffort transcribes audio and never fails. On error it tries to recover
// text from the failed response body and otherwise returns "".
func BestEffort(ctx context.Context, t Transcriber, audio []byte, opts Options) string {
	if len(audio) == 0 {
		return ""
	}
	res, err := t.Transcribe(ctx, audio, opts)
	if err == nil {
		return strings.TrimSpace(res.Text)
	}

	var rerr *ResponseError
	if errors.As(err, &rerr) {
		if text := ExtractText(rerr.Body); text != "" {
			slog.Warn("transcribe: recovered text from failed response", "backend", rerr.Backend, "err", err)
			return text
		}
	}
	slog.Warn("transcribe: transcription failed", "err", err)
	return ""
}

// ExtractText pulls a transcript out of a response body that may be partial
// or malformed JSON, or plain text. It returns "" when nothing plausible is
// found.
func ExtractText(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		for _, path := range textPaths {
			r := gjson.Get(trimmed, path)
			switch {
			case r.IsArray():
				var parts []string
				for _, p := range r.Array() {
					if s := strings.TrimSpace(p.String()); s != "" {
						parts = append(parts, s)
					}
				}
				if len(parts) > 0 {
					return strings.Join(parts, " ")
				}
			case r.Type == gjson.String:
				if s := strings.TrimSpace(r.String()); s != "" {
					return s
				}
			}
		}
		return ""
	}
	if len(trimmed) > maxPlainBody || !utf8.ValidString(trimmed) || strings.HasPrefix(trimmed, "<") {
		return ""
	}
	for _, r := range trimmed {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return ""
		}
	}
	return trimmed
}
