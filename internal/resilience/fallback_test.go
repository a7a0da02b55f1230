package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{name: "primary healthy", want: "primary"},
		{name: "primary down", failing: map[string]bool{"primary": true}, want: "secondary"},
		{name: "all down", failing: map[string]bool{"primary": true, "secondary": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup(3)
			got, err := ExecuteWithResult(fg, func(v string) (string, error) {
				if tt.failing[v] {
					return "", errors.New(v + " down")
				}
				return v, nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
				if !strings.Contains(err.Error(), "primary down") || !strings.Contains(err.Error(), "secondary down") {
					t.Errorf("err = %q, want both causes", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got (%q, %v), want %q", got, err, tt.want)
			}
		})
	}
}

func TestFallbackGroup_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	fg := newGroup(1)

	var calls []string
	run := func() error {
		return fg.Execute(func(v string) error {
			calls = append(calls, v)
			if v == "primary" {
				return errBoom
			}
			return nil
		})
	}
	if err := run(); err != nil {
		t.Fatal(err)
	}
	calls = nil
	if err := run(); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Errorf("calls = %v, want only secondary once primary is open", calls)
	}

	snaps := fg.Snapshots()
	if fg.Len() != 2 || snaps[0].State != "open" || snaps[1].State != "closed" {
		t.Errorf("Snapshots() = %+v", snaps)
	}
}
