package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/postalsys/pingtun/internal/frame"
	"github.com/postalsys/pingtun/internal/logging"
	"github.com/postalsys/pingtun/internal/metrics"
)

// ReasonSessionFull labels frames dropped because a session queue was full.
const ReasonSessionFull = "session_queue_full"

// UnknownFunc is called from the dispatch loop for a frame whose connection
// id has no registered route. It may Register the id and must not block.
type UnknownFunc func(f frame.Frame)

// Dispatcher routes inbound frames to per-connection queues by connection id.
// A full session queue drops the frame instead of stalling other sessions.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[uint16]chan frame.Frame

	queueSize int
	unknown   UnknownFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher creates a dispatcher whose session queues hold queueSize frames.
func NewDispatcher(queueSize int, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Dispatcher{
		routes:    make(map[uint16]chan frame.Frame),
		queueSize: max(queueSize, 1),
		logger:    logger.With(logging.KeyComponent, "dispatcher"),
		metrics:   m,
	}
}

// OnUnknown sets the handler for frames with unregistered connection ids.
// Without one, such frames are dropped. Call before Run.
func (d *Dispatcher) OnUnknown(fn UnknownFunc) {
	d.unknown = fn
}

// Register creates a route for id. It returns false if id is already taken.
func (d *Dispatcher) Register(id uint16) (<-chan frame.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.routes[id]; exists {
		return nil, false
	}
	ch := make(chan frame.Frame, d.queueSize)
	d.routes[id] = ch
	return ch, true
}

// Unregister removes the route for id. Frames still queued are discarded
// with the channel.
func (d *Dispatcher) Unregister(id uint16) {
	d.mu.Lock()
	delete(d.routes, id)
	d.mu.Unlock()
}

// Len returns the number of registered routes.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.routes)
}

// Run dispatches frames from inbound until it is closed or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, inbound <-chan frame.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-inbound:
			if !ok {
				return
			}
			d.Dispatch(f)
		}
	}
}

// Dispatch routes a single frame.
func (d *Dispatcher) Dispatch(f frame.Frame) {
	d.mu.RLock()
	ch, ok := d.routes[f.ConnID]
	d.mu.RUnlock()

	if !ok {
		if d.unknown != nil {
			d.unknown(f)
			return
		}
		d.metrics.RecordFrameDropped(metrics.ReasonUnknownID)
		d.logger.Debug("dropping frame for unknown connection",
			logging.KeyConnID, f.ConnID,
			logging.KeySeq, f.Seq)
		return
	}

	select {
	case ch <- f:
	default:
		d.metrics.RecordFrameDropped(ReasonSessionFull)
		d.logger.Warn("session queue full, frame dropped",
			logging.KeyConnID, f.ConnID,
			logging.KeySeq, f.Seq)
	}
}
