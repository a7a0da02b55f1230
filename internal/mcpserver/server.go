// Package mcpserver exposes the detector as MCP tools so an assistant can
// inspect and steer wake-word detection.
//
// Six tools are registered by [New]:
//   - "detector_status": status, sensitivity, wake words, level and counters.
//   - "detection_history": the most recent detections, oldest first.
//   - "set_sensitivity": applies a new threshold (clamped to [0.1, 1]).
//   - "set_wake_words": replaces the wake-word list.
//   - "start_detection": resumes listening.
//   - "stop_detection": suspends listening.
//
// [Server.Handler] serves the tools over streamable HTTP.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/earshot/internal/detector"
)

// Controller is the detector surface the tools drive. *detector.Detector
// implements it.
type Controller interface {
	Status() detector.Status
	LastError() error
	Sensitivity() float64
	SetSensitivity(v float64) float64
	WakeWords() []string
	SetWakeWords(phrases []string) error
	History() []detector.Record
	AudioLevel() float64
	Stats() detector.Stats
	Start(ctx context.Context) error
	Stop()
}

var _ Controller = (*detector.Detector)(nil)

type noArgs struct{}

// StatusOutput is returned by detector_status and the lifecycle tools.
type StatusOutput struct {
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	Sensitivity float64        `json:"sensitivity"`
	WakeWords   []string       `json:"wakeWords"`
	AudioLevel  float64        `json:"audioLevel"`
	Stats       detector.Stats `json:"stats"`
}

// DetectionOutput is one history entry.
type DetectionOutput struct {
	ID         string  `json:"id"`
	WakeWord   string  `json:"wakeWord"`
	Transcript string  `json:"transcript"`
	Score      float64 `json:"score"`
	Timestamp  string  `json:"timestamp"`
}

// HistoryOutput is returned by detection_history.
type HistoryOutput struct {
	Detections []DetectionOutput `json:"detections"`
}

// SensitivityArgs is the input of set_sensitivity.
type SensitivityArgs struct {
	Sensitivity float64 `json:"sensitivity" jsonschema:"detection threshold between 0.1 and 1.0"`
}

// SensitivityOutput reports the requested and applied threshold.
type SensitivityOutput struct {
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"`
}

// WakeWordsArgs is the input of set_wake_words.
type WakeWordsArgs struct {
	WakeWords []string `json:"wakeWords" jsonschema:"phrases that activate the assistant"`
}

// WakeWordsOutput lists the active phrases.
type WakeWordsOutput struct {
	WakeWords []string `json:"wakeWords"`
}

// Server owns the MCP server and its tool set.
type Server struct {
	ctl    Controller
	server *mcp.Server
}

// New registers the detector tools on a fresh MCP server.
func New(ctl Controller, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		ctl:    ctl,
		server: mcp.NewServer(&mcp.Implementation{Name: "earshot", Version: version}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "detector_status",
		Description: "Report the wake-word detector status, sensitivity, wake words, audio level and counters.",
	}, s.status)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "detection_history",
		Description: "List the most recent wake-word detections, oldest first.",
	}, s.history)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "set_sensitivity",
		Description: "Set the detection threshold. Values outside [0.1, 1.0] are clamped.",
	}, s.setSensitivity)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "set_wake_words",
		Description: "Replace the wake-word list. Blank phrases are ignored; at least one phrase is required.",
	}, s.setWakeWords)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "start_detection",
		Description: "Start listening for wake words.",
	}, s.start)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "stop_detection",
		Description: "Stop listening for wake words.",
	}, s.stop)
	return s
}

// MCP returns the underlying server, for in-process transports.
func (s *Server) MCP() *mcp.Server { return s.server }

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.server }, nil)
}

func (s *Server) snapshot() StatusOutput {
	out := StatusOutput{
		Status:      s.ctl.Status().String(),
		Sensitivity: s.ctl.Sensitivity(),
		WakeWords:   s.ctl.WakeWords(),
		AudioLevel:  s.ctl.AudioLevel(),
		Stats:       s.ctl.Stats(),
	}
	if err := s.ctl.LastError(); err != nil {
		out.Error = err.Error()
	}
	return out
}

func (s *Server) status(_ context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, StatusOutput, error) {
	return nil, s.snapshot(), nil
}

func (s *Server) history(_ context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, HistoryOutput, error) {
	recs := s.ctl.History()
	out := HistoryOutput{Detections: make([]DetectionOutput, 0, len(recs))}
	for _, r := range recs {
		out.Detections = append(out.Detections, DetectionOutput{
			ID:         r.ID.String(),
			WakeWord:   r.WakeWord,
			Transcript: r.Transcript,
			Score:      r.Score,
			Timestamp:  r.Timestamp.Format(time.RFC3339Nano),
		})
	}
	return nil, out, nil
}

func (s *Server) setSensitivity(_ context.Context, _ *mcp.CallToolRequest, args SensitivityArgs) (*mcp.CallToolResult, SensitivityOutput, error) {
	applied := s.ctl.SetSensitivity(args.Sensitivity)
	slog.Info("mcpserver: sensitivity changed", "requested", args.Sensitivity, "applied", applied)
	return nil, SensitivityOutput{Requested: args.Sensitivity, Applied: applied}, nil
}

func (s *Server) setWakeWords(_ context.Context, _ *mcp.CallToolRequest, args WakeWordsArgs) (*mcp.CallToolResult, WakeWordsOutput, error) {
	if err := s.ctl.SetWakeWords(args.WakeWords); err != nil {
		return nil, WakeWordsOutput{}, fmt.Errorf("mcpserver: set wake words: %w", err)
	}
	words := s.ctl.WakeWords()
	slog.Info("mcpserver: wake words changed", "wake_words", words)
	return nil, WakeWordsOutput{WakeWords: words}, nil
}

func (s *Server) start(ctx context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, StatusOutput, error) {
	if err := s.ctl.Start(ctx); err != nil {
		return nil, StatusOutput{}, fmt.Errorf("mcpserver: start detection: %w", err)
	}
	return nil, s.snapshot(), nil
}

func (s *Server) stop(_ context.Context, _ *mcp.CallToolRequest, _ noArgs) (*mcp.CallToolResult, StatusOutput, error) {
	s.ctl.Stop()
	return nil, s.snapshot(), nil
}
