package serialmux

import (
	"context"
	"time"

	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/sensor"
)

// InertialSink receives parsed samples. *ingest.Buffers satisfies it.
type InertialSink interface {
	AddInertial(sensor.InertialSample) error
}

// Subscriber is the part of SerialMux that FeedInertial needs.
type Subscriber interface {
	Subscribe(buffer int) (string, chan string)
	Unsubscribe(id string)
}

// FeedInertial parses every line from mux and adds it to sink until ctx is
// cancelled or the mux closes. Unparseable lines and rejected samples are
// logged, throttled, and skipped. It returns the number of samples accepted.
func FeedInertial(ctx context.Context, mux Subscriber, sink InertialSink) int {
	id, lines := mux.Subscribe(256)
	defer mux.Unsubscribe(id)
	th := monitoring.NewThrottle(10 * time.Second)

	accepted := 0
	for {
		select {
		case <-ctx.Done():
			return accepted
		case line, ok := <-lines:
			if !ok {
				return accepted
			}
			s, err := ParseInertialLine(line)
			if err != nil {
				th.Logf("parse", "[IMU] skipping line: %v", err)
				continue
			}
			if err := sink.AddInertial(s); err != nil {
				th.Logf("add", "[IMU] sample rejected: %v", err)
				continue
			}
			accepted++
		}
	}
}
