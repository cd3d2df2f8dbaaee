package shadow

import (
	"context"
	"log/slog"

	"github.com/mcpguard/interceptor/pkg/trace"
)

// RunParams bundles the inputs to one shadow-lane evaluation.
type RunParams struct {
	Parent        *trace.Context
	PrimaryAnswer string
	ShadowAnswer  string
	Exporter      trace.Exporter
}

// Lane schedules out-of-band shadow comparisons for HIGH-risk traces. It
// never blocks the caller and never propagates a failure back into the
// primary response path — a shadow lane that errors is simply logged and
// dropped.
type Lane struct {
	logger *slog.Logger
}

// NewLane builds a Lane. A nil logger uses slog's default logger.
func NewLane(logger *slog.Logger) *Lane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lane{logger: logger}
}

// Run synchronously computes disagreement metrics for one shadow
// evaluation and exports the resulting span. Exposed separately from
// Schedule so tests can assert on its result without racing a goroutine.
func (l *Lane) Run(ctx context.Context, p RunParams) *trace.Context {
	span := trace.NewContext(p.Parent.Service, p.Parent)
	span.IsShadow = true
	span.ShadowParentTraceID = &p.Parent.TraceID
	span.ToolName = p.Parent.ToolName
	span.Model = p.Parent.Model

	disagreement := DisagreementScore(p.PrimaryAnswer, p.ShadowAnswer)
	variance := NumericVariance(p.PrimaryAnswer, p.ShadowAnswer)
	span.ShadowDisagreementScore = &disagreement
	span.ShadowNumericVariance = &variance
	span.Finish()

	if p.Exporter != nil {
		if err := p.Exporter.Export(ctx, span); err != nil {
			l.logger.Warn("shadow lane export failed", "trace_id", span.TraceID, "error", err)
		}
	}
	return span
}

// Schedule runs the shadow evaluation on a detached goroutine, fire-and-
// forget: the caller's own context is not an input to the goroutine's
// lifetime (a canceled parent context must not cancel an in-flight shadow
// comparison), and any panic inside Run is recovered and logged rather
// than crashing the process.
func (l *Lane) Schedule(p RunParams) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("shadow lane panicked", "recovered", r)
			}
		}()
		l.Run(context.Background(), p)
	}()
}
