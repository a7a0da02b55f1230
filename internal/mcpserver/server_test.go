package mcpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/earshot/internal/detector"
	"github.com/MrWong99/earshot/internal/mcpserver"
)

type fakeController struct {
	mu          sync.Mutex
	status      detector.Status
	lastErr     error
	sensitivity float64
	words       []string
	history     []detector.Record
	startErr    error
	starts      int
	stops       int
}

func (f *fakeController) Status() detector.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeController) Sensitivity() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sensitivity
}

func (f *fakeController) SetSensitivity(v float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sensitivity = min(max(v, 0.1), 1)
	return f.sensitivity
}

func (f *fakeController) WakeWords() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.words)
}

func (f *fakeController) SetWakeWords(p []string) error {
	var clean []string
	for _, w := range p {
		if w = strings.TrimSpace(w); w != "" {
			clean = append(clean, w)
		}
	}
	if len(clean) == 0 {
		return errors.New("detector: wake word list must contain a phrase")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.words = clean
	return nil
}

func (f *fakeController) History() []detector.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.history)
}

func (f *fakeController) AudioLevel() float64    { return 0.25 }
func (f *fakeController) Stats() detector.Stats { return detector.Stats{Detections: 2, Restarts: 1} }

func (f *fakeController) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		f.status = detector.StatusError
		f.lastErr = f.startErr
		return f.startErr
	}
	f.status = detector.StatusDetecting
	return nil
}

func (f *fakeController) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.status = detector.StatusIdle
}

func newFake() *fakeController {
	return &fakeController{sensitivity: 0.7, words: []string{"hey earshot"}}
}

// connect returns a client session bound in-process to a server for ctl.
func connect(t *testing.T, ctl mcpserver.Controller) *mcp.ClientSession {
	t.Helper()
	ctx := t.Context()
	srv := mcpserver.New(ctl, "test")
	ct, st := mcp.NewInMemoryTransports()
	ss, err := srv.MCP().Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// call invokes a tool and decodes its structured output into out.
func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s output: %v", name, err)
		}
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func TestListTools(t *testing.T) {
	t.Parallel()

	cs := connect(t, newFake())
	res, err := cs.ListTools(t.Context(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{"detection_history", "detector_status", "set_sensitivity", "set_wake_words", "start_detection", "stop_detection"}
	if !slices.Equal(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestDetectorStatus(t *testing.T) {
	t.Parallel()

	ctl := newFake()
	ctl.status = detector.StatusError
	ctl.lastErr = &detector.Error{Kind: detector.KindRecognitionNetwork, Err: errors.New("dial failed")}
	cs := connect(t, ctl)

	var out mcpserver.StatusOutput
	call(t, cs, "detector_status", nil, &out)
	if out.Status != "error" || out.Sensitivity != 0.7 || out.AudioLevel != 0.25 {
		t.Errorf("status = %+v", out)
	}
	if !slices.Equal(out.WakeWords, []string{"hey earshot"}) || out.Stats.Detections != 2 || out.Error == "" {
		t.Errorf("status = %+v", out)
	}
}

func TestDetectionHistory(t *testing.T) {
	t.Parallel()

	ctl := newFake()
	id := uuid.New()
	at := time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)
	ctl.history = []detector.Record{{ID: id, WakeWord: "hey earshot", Transcript: "hey earshot", Score: 0.92, Timestamp: at}}
	cs := connect(t, ctl)

	var out mcpserver.HistoryOutput
	call(t, cs, "detection_history", nil, &out)
	if len(out.Detections) != 1 {
		t.Fatalf("detections = %+v", out.Detections)
	}
	d := out.Detections[0]
	if d.ID != id.String() || d.Score != 0.92 || d.Timestamp != "2026-06-01T08:30:00Z" {
		t.Errorf("detection = %+v", d)
	}
}

func TestSetSensitivity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want float64
	}{
		{0.5, 0.5},
		{0.01, 0.1},
		{3, 1},
	}
	for _, tt := range tests {
		ctl := newFake()
		cs := connect(t, ctl)
		var out mcpserver.SensitivityOutput
		call(t, cs, "set_sensitivity", map[string]any{"sensitivity": tt.in}, &out)
		if out.Requested != tt.in || out.Applied != tt.want || ctl.Sensitivity() != tt.want {
			t.Errorf("set_sensitivity(%v) = %+v", tt.in, out)
		}
	}
}

func TestSetWakeWords(t *testing.T) {
	t.Parallel()

	ctl := newFake()
	cs := connect(t, ctl)

	var out mcpserver.WakeWordsOutput
	call(t, cs, "set_wake_words", map[string]any{"wakeWords": []string{" computer ", "", "jarvis"}}, &out)
	if !slices.Equal(out.WakeWords, []string{"computer", "jarvis"}) {
		t.Errorf("wake words = %v", out.WakeWords)
	}

	res := call(t, cs, "set_wake_words", map[string]any{"wakeWords": []string{"  "}}, nil)
	if !res.IsError || !strings.Contains(text(res), "must contain a phrase") {
		t.Errorf("blank list: IsError=%v text=%q", res.IsError, text(res))
	}
	if !slices.Equal(ctl.WakeWords(), []string{"computer", "jarvis"}) {
		t.Errorf("rejected list was applied: %v", ctl.WakeWords())
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	ctl := newFake()
	cs := connect(t, ctl)

	var out mcpserver.StatusOutput
	call(t, cs, "start_detection", nil, &out)
	if out.Status != "detecting" || ctl.starts != 1 {
		t.Errorf("after start: %+v starts=%d", out, ctl.starts)
	}
	call(t, cs, "stop_detection", nil, &out)
	if out.Status != "idle" || ctl.stops != 1 {
		t.Errorf("after stop: %+v stops=%d", out, ctl.stops)
	}

	ctl.startErr = errors.New("detector: not initialized")
	res := call(t, cs, "start_detection", nil, nil)
	if !res.IsError || !strings.Contains(text(res), "not initialized") {
		t.Errorf("failed start: IsError=%v text=%q", res.IsError, text(res))
	}
}

func TestHandler_StreamableHTTP(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(mcpserver.New(newFake(), "test").Handler())
	t.Cleanup(ts.Close)

	client := mcp.NewClient(&mcp.Implementation{Name: "http-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(t.Context(), &mcp.StreamableClientTransport{Endpoint: ts.URL}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })

	var out mcpserver.StatusOutput
	call(t, cs, "detector_status", nil, &out)
	if out.Status != "idle" {
		t.Errorf("status over HTTP = %+v", out)
	}
}
