package stream

import (
	"sync"
	"time"

	"github.com/rickgao/ibstream/internal/metrics"
	"github.com/rickgao/ibstream/internal/model"
)

// Subscription is one delivery stream: a (cid, tt) interest with its own
// bounded queue, tick budget, and wall-clock budget. All terminal paths
// converge on the state gate, so completing, failing, and cancelling are
// mutually exclusive and idempotent.
type Subscription struct {
	id      string
	cid     uint32
	tt      model.TickType
	rid     uint32
	connID  string
	tracked bool
	policy  OverflowPolicy
	limit   *uint64
	timeout *time.Duration
	created time.Time

	queue *Queue

	// onTerminal releases registry bookkeeping and the upstream reference.
	// Invoked exactly once, after the queue is closed.
	onTerminal func(*Subscription)

	mu    sync.Mutex
	state SubscriptionState
	ticks uint64
	timer *time.Timer
}

func newSubscription(id string, cid uint32, tt model.TickType, rid uint32, queueSize int, opts Options, onTerminal func(*Subscription)) *Subscription {
	return &Subscription{
		id:         id,
		cid:        cid,
		tt:         tt,
		rid:        rid,
		connID:     opts.ConnID,
		tracked:    opts.Tracked,
		policy:     opts.Policy,
		limit:      opts.Limit,
		timeout:    opts.Timeout,
		created:    time.Now(),
		queue:      NewQueue(queueSize),
		onTerminal: onTerminal,
		state:      StatePending,
	}
}

// start activates delivery and arms the budgets. Zero budgets complete the
// subscription immediately: limit=0 is an instant limit_reached with zero
// ticks, timeout=0 an instant timeout.
func (s *Subscription) start() {
	s.mu.Lock()
	if s.state != StatePending {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.mu.Unlock()

	if s.limit != nil && *s.limit == 0 {
		s.complete(model.ReasonLimitReached)
		return
	}
	if s.timeout != nil {
		if *s.timeout == 0 {
			s.complete(model.ReasonTimeout)
			return
		}
		s.mu.Lock()
		if s.state == StateActive {
			s.timer = time.AfterFunc(*s.timeout, func() {
				s.complete(model.ReasonTimeout)
			})
		}
		s.mu.Unlock()
	}
}

// publish delivers one tick. Returns false once the subscription is terminal
// so the publisher can stop early.
func (s *Subscription) publish(m model.TickMessage) bool {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false
	}

	env := s.tickEnvelope(m)
	overflowed := false
	switch s.policy {
	case PolicyDropOldest:
		if s.queue.PushEvict(env) {
			metrics.SubscriberDrops.Inc()
		}
	default:
		if err := s.queue.Push(env); err != nil {
			overflowed = true
		}
	}
	if overflowed {
		s.mu.Unlock()
		metrics.SlowConsumerDisconnects.Inc()
		s.fail(model.NewStreamError(model.CodeSlowConsumer,
			"subscriber queue overflowed", false))
		return false
	}

	s.ticks++
	limitHit := s.limit != nil && s.ticks >= *s.limit
	s.mu.Unlock()

	metrics.TicksPublished.Inc()
	if limitHit {
		s.complete(model.ReasonLimitReached)
		return false
	}
	return true
}

// info enqueues an advisory event. Best effort: a full queue drops it.
func (s *Subscription) info(status string) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.queue.Push(model.Envelope{
		Type:      model.EventInfo,
		StreamID:  s.id,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data:      model.InfoData{Status: status},
	})
}

// complete ends the subscription normally, emitting a complete event with
// the given reason. Returns false if the subscription was already terminal.
func (s *Subscription) complete(reason string) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StateCompleted
	total := s.ticks
	dur := time.Since(s.created).Seconds()
	s.mu.Unlock()

	env := model.Envelope{
		Type:      model.EventComplete,
		StreamID:  s.id,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data: model.CompleteData{
			Reason:          reason,
			TotalTicks:      total,
			DurationSeconds: dur,
		},
	}
	s.finish(&env)
	return true
}

// fail ends the subscription with an error event.
func (s *Subscription) fail(serr *model.StreamError) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StateErrored
	s.mu.Unlock()

	env := model.Envelope{
		Type:      model.EventError,
		StreamID:  s.id,
		Timestamp: model.FormatMicros(model.NowMicros()),
		Data: model.ErrorData{
			Code:        serr.Code,
			Message:     serr.Message,
			Recoverable: serr.Recoverable,
		},
	}
	s.finish(&env)
	return true
}

// cancel ends the subscription silently: no terminal event is emitted
// because the subscriber asked to stop or is already gone.
func (s *Subscription) cancel() bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StateCancelled
	s.mu.Unlock()

	s.finish(nil)
	return true
}

// finish runs the shared terminal tail: terminal event (evicting if the
// queue is full so it is never lost), release, queue close. Releasing
// before the close means a consumer that observes the closed channel can
// rely on the registry slot being free already.
func (s *Subscription) finish(ev *model.Envelope) {
	s.mu.Lock()
	timer := s.timer
	s.timer = nil
	s.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	if ev != nil {
		s.queue.PushEvict(*ev)
	}
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
	s.queue.Close()
}

// tickEnvelope renders one tick in the delivery envelope: verbose variant
// payload under data, envelope timestamp from the receive stamp.
func (s *Subscription) tickEnvelope(m model.TickMessage) model.Envelope {
	vt := m.ToVerbose(s.id)
	return model.Envelope{
		Type:      model.EventTick,
		StreamID:  s.id,
		Timestamp: vt.Timestamp,
		Data:      vt.Data,
	}
}

// Notify enqueues an advisory info event for the subscriber. Best effort,
// like all info traffic.
func (s *Subscription) Notify(status string) { s.info(status) }

// ID returns the stream id.
func (s *Subscription) ID() string { return s.id }

// ContractID returns the contract this stream delivers.
func (s *Subscription) ContractID() uint32 { return s.cid }

// TickType returns the tick type this stream delivers.
func (s *Subscription) TickType() model.TickType { return s.tt }

// RID returns the upstream request id the stream was created against.
func (s *Subscription) RID() uint32 { return s.rid }

// Tracked reports whether this is a process-owned background stream.
func (s *Subscription) Tracked() bool { return s.tracked }

// Events returns the consumer side of the subscription queue. It is closed
// after the terminal event.
func (s *Subscription) Events() <-chan model.Envelope {
	return s.queue.Events()
}

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TicksDelivered returns how many ticks were queued for the subscriber.
func (s *Subscription) TicksDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// CreatedAt returns the creation time (the stream id embeds it at ms
// precision).
func (s *Subscription) CreatedAt() time.Time { return s.created }

// Info snapshots the subscription for the stats surface.
func (s *Subscription) Info() SubscriptionInfo {
	s.mu.Lock()
	state := s.state
	ticks := s.ticks
	s.mu.Unlock()

	return SubscriptionInfo{
		StreamID:       s.id,
		ContractID:     s.cid,
		TickType:       s.tt,
		RequestID:      s.rid,
		State:          state.String(),
		Tracked:        s.tracked,
		TicksDelivered: ticks,
		QueueLen:       s.queue.Len(),
		QueueDropped:   s.queue.Evicted(),
		CreatedAt:      s.created,
	}
}
