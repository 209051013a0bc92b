package app

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/seminote/engine/internal/observe"
	"github.com/seminote/engine/internal/pipeline"
)

// pipelineTelemetry bridges pipeline observer callbacks to the OTel
// instruments in [observe.Metrics]. The pipeline stays free of metrics
// imports; this adapter pays the recording cost outside its hot paths.
type pipelineTelemetry struct {
	m *observe.Metrics
}

var _ pipeline.Observer = (*pipelineTelemetry)(nil)

func (t *pipelineTelemetry) FrameCaptured() {
	t.m.FramesCaptured.Add(context.Background(), 1)
}

func (t *pipelineTelemetry) FrameDropped() {
	t.m.FramesDropped.Add(context.Background(), 1)
}

func (t *pipelineTelemetry) InferenceDone(backend string, d time.Duration, err error) {
	ctx := context.Background()
	t.m.InferenceDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(observe.Attr("backend", backend)))
	status := "ok"
	if err != nil {
		status = "error"
		t.m.RecordInferenceError(ctx, backend)
	}
	t.m.RecordInference(ctx, backend, status)
}

func (t *pipelineTelemetry) StaleDiscard() {
	t.m.StaleDiscards.Add(context.Background(), 1)
}

func (t *pipelineTelemetry) EventPublished(latency time.Duration) {
	t.m.NoteLatency.Record(context.Background(), latency.Seconds())
}

func (t *pipelineTelemetry) ModeChanged(tr pipeline.ModeTransition) {
	t.m.RecordModeTransition(context.Background(),
		tr.From.String(), tr.To.String(), tr.Reason)
}

func (t *pipelineTelemetry) SubscriberChange(delta int) {
	t.m.ActiveSubscribers.Add(context.Background(), int64(delta))
}
