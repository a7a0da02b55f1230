package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/provider/stt"
	"github.com/MrWong99/earshot/pkg/provider/stt/whisper"
)

// loadNative loads the model named by WHISPER_MODEL_PATH, skipping the test
// when none is configured.
func loadNative(t *testing.T, opts ...whisper.NativeOption) *whisper.NativeProvider {
	t.Helper()
	path := os.Getenv("WHISPER_MODEL_PATH")
	if path == "" {
		t.Skip("WHISPER_MODEL_PATH not set")
	}
	p, err := whisper.NewNative(path, opts...)
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewNative_BadModelPath(t *testing.T) {
	for _, path := range []string{"", "/nonexistent/ggml-base.en.bin"} {
		if _, err := whisper.NewNative(path); err == nil {
			t.Errorf("NewNative(%q) succeeded, want error", path)
		}
	}
}

func TestNativeStartStream_Config(t *testing.T) {
	p := loadNative(t, whisper.WithNativeLanguage("en"))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		cfg     stt.StreamConfig
		wantErr error
	}{
		{"detector format", context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1}, nil},
		{"provider defaults", context.Background(), stt.StreamConfig{}, nil},
		{"discord rate", context.Background(), stt.StreamConfig{SampleRate: 48000, Channels: 2}, stt.ErrAudioCapture},
		{"cancelled", cancelled, stt.StreamConfig{SampleRate: 16000}, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := p.StartStream(tt.ctx, tt.cfg)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("StartStream = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("StartStream: %v", err)
			}
			defer h.Close()
			if h.Partials() == nil || h.Finals() == nil {
				t.Error("session channels must not be nil")
			}
			if err := h.SetKeywords([]stt.KeywordBoost{{Keyword: "earshot", Boost: 5}}); !errors.Is(err, stt.ErrNotSupported) {
				t.Errorf("SetKeywords = %v, want ErrNotSupported", err)
			}
		})
	}
}

func TestNative_UtteranceEndsOnSilence(t *testing.T) {
	p := loadNative(t,
		whisper.WithNativeLanguage("en"),
		whisper.WithNativeSilenceThresholdMs(100),
	)
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	if err := h.SendAudio(makeSpeechPCM(1600)); err != nil {
		t.Fatalf("SendAudio(speech): %v", err)
	}
	if err := h.SendAudio(makeSilencePCM(1600)); err != nil {
		t.Fatalf("SendAudio(silence): %v", err)
	}

	select {
	case tr := <-h.Finals():
		if !tr.IsFinal {
			t.Error("final transcript has IsFinal = false")
		}
		if tr.Confidence < 0 || tr.Confidence > 1 {
			t.Errorf("Confidence = %v, want within [0, 1]", tr.Confidence)
		}
		t.Logf("heard %q (confidence %.2f)", tr.Text, tr.Confidence)
	case <-time.After(30 * time.Second):
		t.Fatal("no final transcript")
	}
}

func TestNative_SilenceOnlyProducesNothing(t *testing.T) {
	p := loadNative(t, whisper.WithNativeSilenceThresholdMs(50))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	_ = h.SendAudio(makeSilencePCM(16000))
	time.Sleep(150 * time.Millisecond)
	_ = h.Close()

	for tr := range h.Finals() {
		t.Errorf("unexpected transcript for silence: %q", tr.Text)
	}
}

func TestNative_CloseEndsSession(t *testing.T) {
	p := loadNative(t)
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	for i := range 2 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if err := h.SendAudio(makeSpeechPCM(100)); err == nil {
		t.Error("SendAudio after Close should fail")
	}
	for name, ch := range map[string]<-chan stt.Transcript{"Partials": h.Partials(), "Finals": h.Finals()} {
		select {
		case _, open := <-ch:
			if open {
				t.Errorf("%s still open after Close", name)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not closed", name)
		}
	}
}
