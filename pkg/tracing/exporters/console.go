package exporters

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
)

// ConsoleExporter writes finished spans as JSON lines to stdout. It is the
// local-dev stand-in for an OTLP collector.
type ConsoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleExporter() *ConsoleExporter {
	return &ConsoleExporter{out: os.Stdout}
}

type consoleSpan struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	StartTime  string         `json:"start_time"`
	DurationMS float64        `json:"duration_ms"`
	Status     string         `json:"status,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (c *ConsoleExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	enc := json.NewEncoder(c.out)
	for _, span := range spans {
		sc := span.SpanContext()
		out := consoleSpan{
			Name:       span.Name(),
			TraceID:    sc.TraceID().String(),
			SpanID:     sc.SpanID().String(),
			StartTime:  span.StartTime().UTC().Format(time.RFC3339Nano),
			DurationMS: float64(span.EndTime().Sub(span.StartTime()).Microseconds()) / 1000,
		}
		if parent := span.Parent(); parent.HasSpanID() {
			out.ParentID = parent.SpanID().String()
		}
		if desc := span.Status().Description; desc != "" {
			out.Status = desc
		}
		if attrs := span.Attributes(); len(attrs) > 0 {
			out.Attributes = make(map[string]any, len(attrs))
			for _, attr := range attrs {
				out.Attributes[string(attr.Key)] = attr.Value.AsInterface()
			}
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleExporter) Shutdown(ctx context.Context) error {
	return nil
}
