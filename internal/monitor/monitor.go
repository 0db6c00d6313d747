package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/pkg/logger"
)

// Watcher turns bus events into metrics and run errors into alerts.
type Watcher struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
	Log     *zap.Logger
}

// Start consumes events until ctx is done or the bus closes.
func (w *Watcher) Start(ctx context.Context) {
	log := logger.OrNop(w.Log).Named("monitor")
	if w.Bus == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	stream, unsub := w.Bus.Subscribe(256,
		events.TopicRunError, events.TopicPositionOpened, events.TopicPositionClosed)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-stream:
				if !ok {
					return
				}
				w.handle(log, e)
			}
		}
	}()
}

func (w *Watcher) handle(log *zap.Logger, e events.Event) {
	switch e.Topic {
	case events.TopicPositionOpened:
		w.Metrics.PositionOpened()
	case events.TopicPositionClosed:
		w.Metrics.PositionClosed()
	case events.TopicRunError:
		if w.Sink == nil {
			return
		}
		if err := w.Sink.Send(formatAlert(e)); err != nil {
			log.Error("alert delivery failed", zap.Error(err))
		}
	}
}

func formatAlert(e events.Event) string {
	return fmt.Sprintf("[%s] run %s: %s", e.At.Format(time.RFC3339), e.RunID, toString(e.Data))
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return "error recorded"
	}
}
