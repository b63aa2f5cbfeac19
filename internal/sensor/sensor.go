// Package sensor produces tank readings from 1-Wire probes, the simulator
// or MQTT messages published by remote sensor nodes.
package sensor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

// Handler consumes readings. It is called from the ingestion goroutine.
type Handler func(ctx context.Context, r logic.Reading)

// Poller is a sensor source that is read on an interval.
type Poller interface {
	Poll(ctx context.Context) ([]logic.Reading, error)
}

// RunPoller polls p every interval until ctx is cancelled. Poll errors are
// logged and polling continues.
func RunPoller(ctx context.Context, p Poller, interval time.Duration, handle Handler, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	poll := func() {
		readings, err := p.Poll(ctx)
		if err != nil {
			log.Warn("sensor poll failed", zap.Error(err))
		}
		for _, r := range readings {
			handle(ctx, r)
		}
	}

	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
