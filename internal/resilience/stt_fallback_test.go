package resilience

import (
	"errors"
	"testing"

	"github.com/MrWong99/earshot/pkg/provider/stt"
	sttmock "github.com/MrWong99/earshot/pkg/provider/stt/mock"
)

func TestSTTFallback_StartStream(t *testing.T) {
	t.Parallel()

	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Alternatives: 3}
	tests := []struct {
		name          string
		primaryErr    error
		secondaryErr  error
		wantSecondary int
		wantErr       bool
	}{
		{name: "primary opens"},
		{name: "fails over", primaryErr: stt.ErrNetwork, wantSecondary: 1},
		{name: "all fail", primaryErr: stt.ErrNetwork, secondaryErr: stt.ErrNotAllowed, wantSecondary: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &sttmock.Provider{StartStreamErr: tt.primaryErr}
			secondary := &sttmock.Provider{StartStreamErr: tt.secondaryErr}
			fb := NewSTTFallback(primary, "deepgram", FallbackConfig{})
			fb.AddFallback("whisper", secondary)

			h, err := fb.StartStream(t.Context(), cfg)
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, stt.ErrNotAllowed) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the engine errors", err)
				}
			} else {
				if err != nil || h == nil {
					t.Fatalf("StartStream: handle=%v err=%v", h, err)
				}
				_ = h.Close()
			}
			if got := secondary.CallCount(); got != tt.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", got, tt.wantSecondary)
			}
			if got := primary.StartStreamCalls[0].Cfg; got.Alternatives != 3 {
				t.Errorf("primary cfg = %+v", got)
			}
			if len(fb.Snapshots()) != 2 {
				t.Errorf("Snapshots() len = %d", len(fb.Snapshots()))
			}
		})
	}
}
