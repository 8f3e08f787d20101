package clustermembership

import (
	"context"
	"log"
	"time"
)

// EventStreamSupervisor owns one long-lived substrate subscription and
// handles reconnect-on-error/reconnect-on-completion with a flat backoff.
// Clean completion of the underlying stream is treated as transient, exactly
// like an error, and logged.
//
// E is the event element type (MembershipEvent or LeaderElectionEvent).
// Subscribe opens a fresh subscription; OnEvent is called for every event,
// including a synthesized Disconnected-shaped event on every
// reconnect. Events are forwarded as transition-only actions with no side
// effect by the caller wiring OnEvent to Reconciler.Apply, not by this type.
type EventStreamSupervisor[E any] struct {
	name              string
	subscribe         func(ctx context.Context) (<-chan E, error)
	onEvent           func(E)
	disconnectedEvent func(cause error) E
	reconnectInterval time.Duration
	logger            *log.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventStreamSupervisor constructs a supervisor. Call Start to begin
// consuming, Stop to tear down.
func NewEventStreamSupervisor[E any](
	name string,
	subscribe func(ctx context.Context) (<-chan E, error),
	onEvent func(E),
	disconnectedEvent func(cause error) E,
	reconnectInterval time.Duration,
	logger *log.Logger,
) *EventStreamSupervisor[E] {
	if logger == nil {
		logger = log.Default()
	}
	return &EventStreamSupervisor[E]{
		name:              name,
		subscribe:         subscribe,
		onEvent:           onEvent,
		disconnectedEvent: disconnectedEvent,
		reconnectInterval: reconnectInterval,
		logger:            logger,
		done:              make(chan struct{}),
	}
}

// Start launches the subscribe/forward/reconnect loop on its own goroutine.
func (s *EventStreamSupervisor[E]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx)
}

// Stop cancels the subscription loop and waits for it to exit.
func (s *EventStreamSupervisor[E]) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *EventStreamSupervisor[E]) run(ctx context.Context) {
	defer close(s.done)
	first := true
	var cause error
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			s.onEvent(s.disconnectedEvent(cause))
			if !s.sleep(ctx, s.reconnectInterval) {
				return
			}
		}
		first = false
		cause = nil

		ch, err := s.subscribe(ctx)
		if err != nil {
			s.logger.Printf("clustermembership: %s subscribe failed, will retry in %s: %v", s.name, s.reconnectInterval, err)
			cause = err
			continue
		}

		s.consume(ctx, ch)
		if ctx.Err() != nil {
			return
		}
		s.logger.Printf("clustermembership: %s event stream closed, treating as transient and resubscribing", s.name)
	}
}

// consume forwards events until ch closes or ctx is cancelled.
func (s *EventStreamSupervisor[E]) consume(ctx context.Context, ch <-chan E) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.onEvent(e)
		}
	}
}

func (s *EventStreamSupervisor[E]) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
