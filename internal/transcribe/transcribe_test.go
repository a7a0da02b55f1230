package transcribe_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/transcribe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestExtractText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", "", ""},
		{"text field", `{"text":" hey earshot "}`, "hey earshot"},
		{"transcript field", `{"transcript":"hello"}`, "hello"},
		{"deepgram shape", `{"results":{"channels":[{"alternatives":[{"transcript":"turn it up"}]}]}}`, "turn it up"},
		{"segments", `{"segments":[{"text":" one "},{"text":"two"}]}`, "one two"},
		{"truncated json", `{"text":"hey earshot","segments":[{"te`, "hey earshot"},
		{"json without text", `{"error":"bad"}`, ""},
		{"plain text", "hey earshot\n", "hey earshot"},
		{"html error page", "<html><body>502</body></html>", ""},
		{"binary", "\x00\x01\x02", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := transcribe.ExtractText([]byte(tt.body)); got != tt.want {
				t.Errorf("ExtractText(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestBestEffort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		t    transcribe.Func
		want string
	}{
		{
			name: "success",
			t: func(context.Context, []byte, transcribe.Options) (transcribe.Result, error) {
				return transcribe.Result{Text: " hello "}, nil
			},
			want: "hello",
		},
		{
			name: "salvaged plain body",
			t: func(context.Context, []byte, transcribe.Options) (transcribe.Result, error) {
				return transcribe.Result{}, &transcribe.ResponseError{
					Backend: "whisper", Status: 200, Body: []byte("what time is it"), Err: errors.New("invalid character"),
				}
			},
			want: "what time is it",
		},
		{
			name: "hard failure",
			t: func(context.Context, []byte, transcribe.Options) (transcribe.Result, error) {
				return transcribe.Result{}, errors.New("dial tcp: refused")
			},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := transcribe.BestEffort(t.Context(), tt.t, []byte("wav"), transcribe.Options{}); got != tt.want {
				t.Errorf("BestEffort() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBestEffort_EmptyAudioSkipsCall(t *testing.T) {
	t.Parallel()
	called := false
	f := transcribe.Func(func(context.Context, []byte, transcribe.Options) (transcribe.Result, error) {
		called = true
		return transcribe.Result{}, nil
	})
	if got := transcribe.BestEffort(t.Context(), f, nil, transcribe.Options{}); got != "" || called {
		t.Errorf("BestEffort(nil) = %q, called=%v", got, called)
	}
}

func TestResult_Hypotheses(t *testing.T) {
	t.Parallel()
	if h := (transcribe.Result{}).Hypotheses(); h != nil {
		t.Errorf("empty result hypotheses = %v", h)
	}
	h := transcribe.Result{Text: "hey"}.Hypotheses()
	if len(h) != 1 || h[0].Text != "hey" {
		t.Errorf("Hypotheses() = %v", h)
	}
	alts := []transcribe.Alternative{{Text: "a", Confidence: 0.9}, {Text: "b", Confidence: 0.4}}
	if h := (transcribe.Result{Text: "a", Alternatives: alts}).Hypotheses(); len(h) != 2 {
		t.Errorf("Hypotheses() = %v", h)
	}
	if (transcribe.Options{}).MimeTypeOrDefault() != "audio/wav" {
		t.Error("default mime type")
	}
}

func TestFallback(t *testing.T) {
	t.Parallel()

	down := transcribe.Func(func(context.Context, []byte, transcribe.Options) (transcribe.Result, error) {
		return transcribe.Result{}, errors.New("primary down")
	})
	up := transcribe.Func(func(_ context.Context, _ []byte, opts transcribe.Options) (transcribe.Result, error) {
		return transcribe.Result{Text: "from " + opts.Language}, nil
	})

	fb := transcribe.NewFallback(down, "openai", resilience.FallbackConfig{})
	fb.AddFallback("whisper", up)

	res, err := fb.Transcribe(t.Context(), []byte("wav"), transcribe.Options{Language: "en"})
	if err != nil || res.Text != "from en" {
		t.Fatalf("Transcribe = (%+v, %v)", res, err)
	}
	if _, err := fb.Transcribe(t.Context(), nil, transcribe.Options{}); !errors.Is(err, transcribe.ErrEmptyAudio) {
		t.Errorf("empty audio err = %v", err)
	}
}

func TestInstrument(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	fail := true
	inner := transcribe.Func(func(context.Context, []byte, transcribe.Options) (transcribe.Result, error) {
		if fail {
			return transcribe.Result{}, errors.New("boom")
		}
		return transcribe.Result{Text: "ok"}, nil
	})
	tr := transcribe.Instrument("whisper", inner, m)

	if _, err := tr.Transcribe(t.Context(), []byte("wav"), transcribe.Options{}); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	if res, err := tr.Transcribe(t.Context(), []byte("wav"), transcribe.Options{}); err != nil || res.Text != "ok" {
		t.Fatalf("Transcribe = (%+v, %v)", res, err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatal(err)
	}
	var hist metricdata.Histogram[float64]
	var requests, errs int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			switch met.Name {
			case "earshot.transcription.duration":
				hist = met.Data.(metricdata.Histogram[float64])
			case "earshot.provider.requests":
				for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
					requests += dp.Value
				}
			case "earshot.provider.errors":
				for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
					errs += dp.Value
				}
			}
		}
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Errorf("transcription histogram = %+v", hist.DataPoints)
	}
	if requests != 2 || errs != 1 {
		t.Errorf("requests=%d errors=%d, want 2 and 1", requests, errs)
	}
}
