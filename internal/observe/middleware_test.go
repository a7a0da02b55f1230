package observe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup installs an in-memory tracer globally and returns metrics backed
// by a manual reader. Tests using it must not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// apiMux mirrors the shape of the earshot API routes.
func apiMux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "detecting", "trace": TraceID(r.Context())})
	})
	mux.HandleFunc("GET /v1/audit", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") == "x" {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		http.Error(w, "audit log unavailable", http.StatusInternalServerError)
	})
	mux.HandleFunc("GET /v1/events", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer c.CloseNow()
		_ = wsjson.Write(r.Context(), c, map[string]string{"type": "status", "status": "detecting"})
		// Hold the feed open until the client leaves.
		_, _, _ = c.Read(r.Context())
	})
	mux.HandleFunc("GET /v1/transcript", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hey"))
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush: %v", err)
		}
	})
	return mux
}

// durationPoints collects earshot.http.request.duration keyed by route.
func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]metricdata.HistogramDataPoint[float64]{}
	met := findMetric(rm, "earshot.http.request.duration")
	if met == nil {
		return out
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("earshot.http.request.duration is %T, want histogram", met.Data)
	}
	for _, dp := range hist.DataPoints {
		v, _ := dp.Attributes.Value("route")
		out[v.AsString()] = dp
	}
	return out
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m, reader, _ := testSetup(t)
	h := Middleware(m)(apiMux(t))

	tests := []struct {
		target     string
		wantRoute  string
		wantStatus int
	}{
		{"/v1/status", "GET /v1/status", http.StatusOK},
		{"/v1/audit?limit=x", "GET /v1/audit", http.StatusBadRequest},
		{"/v1/wake/nope", unmatchedRoute, http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.target, rec.Code, tt.wantStatus)
		}
	}

	points := durationPoints(t, reader)
	for _, tt := range tests {
		dp, ok := points[tt.wantRoute]
		if !ok {
			t.Errorf("no duration recorded for route %q (have %v)", tt.wantRoute, points)
			continue
		}
		if dp.Count != 1 {
			t.Errorf("%s: count = %d, want 1", tt.wantRoute, dp.Count)
		}
		status, _ := dp.Attributes.Value("status")
		if int(status.AsInt64()) != tt.wantStatus {
			t.Errorf("%s: status attribute = %d, want %d", tt.wantRoute, status.AsInt64(), tt.wantStatus)
		}
	}
}

func TestMiddleware_TraceIDHeader(t *testing.T) {
	m, _, exp := testSetup(t)
	h := Middleware(m)(apiMux(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	var body struct{ Trace string }
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Trace) != 32 {
		t.Fatalf("handler saw trace ID %q, want 32 hex chars", body.Trace)
	}
	if got := rec.Header().Get(TraceIDHeader); got != body.Trace {
		t.Errorf("%s = %q, want %q", TraceIDHeader, got, body.Trace)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /v1/status" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /v1/status")
	}
}

func TestMiddleware_ContinuesCallerTrace(t *testing.T) {
	m, _, _ := testSetup(t)
	h := Middleware(m)(apiMux(t))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(TraceIDHeader); got != traceID {
		t.Errorf("%s = %q, want %q", TraceIDHeader, got, traceID)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response should carry traceparent")
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	m, _, exp := testSetup(t)
	h := Middleware(m)(apiMux(t))

	tests := []struct {
		target string
		want   codes.Code
	}{
		{"/v1/audit?limit=x", codes.Unset},
		{"/v1/audit", codes.Error},
	}
	for _, tt := range tests {
		exp.Reset()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.target, nil))
		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s: spans = %d, want 1", tt.target, len(spans))
		}
		if got := spans[0].Status.Code; got != tt.want {
			t.Errorf("%s: span status = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestMiddleware_FlushReachesWriter(t *testing.T) {
	m, _, _ := testSetup(t)
	h := Middleware(m)(apiMux(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transcript", nil))
	if !rec.Flushed {
		t.Error("flush did not reach the underlying writer")
	}
}

func TestMiddleware_EventsWebsocketUpgrade(t *testing.T) {
	m, reader, _ := testSetup(t)
	ts := httptest.NewServer(Middleware(m)(apiMux(t)))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, ts.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	var first map[string]string
	if err := wsjson.Read(ctx, c, &first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first["type"] != "status" {
		t.Errorf("first frame = %v, want status", first)
	}
	c.Close(websocket.StatusNormalClosure, "")

	// The session is recorded once the handler sees the close.
	deadline := time.Now().Add(5 * time.Second)
	for {
		dp, ok := durationPoints(t, reader)["GET /v1/events"]
		if ok {
			status, _ := dp.Attributes.Value("status")
			if status.AsInt64() != http.StatusSwitchingProtocols {
				t.Errorf("status attribute = %d, want 101", status.AsInt64())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("event feed request was never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	t.Parallel()
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Fatal("Hijack on a recorder without hijacking should fail")
	}
	if rec.statusCode != http.StatusOK || rec.upgraded {
		t.Errorf("failed hijack changed state: status=%d upgraded=%v", rec.statusCode, rec.upgraded)
	}
}
