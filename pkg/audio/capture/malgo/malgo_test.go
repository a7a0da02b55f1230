package malgo

import (
	"errors"
	"testing"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/earshot/pkg/audio/capture"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"access denied", ma.ErrAccessDenied, capture.ErrPermissionDenied},
		{"no device", ma.ErrNoDevice, capture.ErrDeviceUnavailable},
		{"busy", ma.ErrBusy, capture.ErrDeviceUnavailable},
		{"no backend", ma.ErrNoBackend, capture.ErrDeviceUnavailable},
		{"wrapped access denied", errors.Join(errors.New("ctx"), ma.ErrAccessDenied), capture.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify("init device", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want kind %v", tt.err, got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classify(%v) lost the cause", tt.err)
			}
		})
	}
}

func TestOpen_NilCallback(t *testing.T) {
	t.Parallel()
	if _, err := New().Open(t.Context(), capture.Config{}, nil); err == nil {
		t.Error("Open with nil callback should fail")
	}
}

func TestBackend_CloseIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := b.Probe(t.Context()); err == nil {
		t.Error("Probe after Close should fail")
	}
}
