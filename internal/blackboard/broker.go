package blackboard

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/insight-engine/backend/internal/metrics"
	"github.com/insight-engine/backend/internal/storage/models"
	"github.com/insight-engine/backend/pkg/logger"
)

// Filter selects which of a user's insights a subscription receives. Zero
// values match everything.
type Filter struct {
	MinConfidence float64
	Categories    []models.InsightCategory
	// Tags requires at least one of the listed tags.
	Tags []string
}

func (f Filter) Match(ins *models.Insight) bool {
	if ins.Confidence < f.MinConfidence {
		return false
	}
	if len(f.Categories) > 0 {
		found := false
		for _, c := range f.Categories {
			if c == ins.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Tags) > 0 {
		for _, want := range f.Tags {
			for _, have := range ins.Tags {
				if want == have {
					return true
				}
			}
		}
		return false
	}
	return true
}

// AllUsers subscribes to every user's insights. It is meant for internal
// projections, never for client streams.
const AllUsers = ""

// Subscription is one consumer's view of a user's new insights. Delivered
// insights are shared between subscribers and must be treated as read-only.
type Subscription struct {
	userID  string
	filter  Filter
	ch      chan *models.Insight
	dropped atomic.Int64
	broker  *Broker
}

// C is closed when the subscription is cancelled or the broker shuts down.
func (s *Subscription) C() <-chan *models.Insight { return s.ch }

func (s *Subscription) UserID() string { return s.userID }

// Dropped counts insights discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Close() { s.broker.unsubscribe(s) }

// Broker fans new insights out to subscribers without ever blocking the
// writer. A single goroutine owns the subscriber set; public methods talk to
// it over channels.
type Broker struct {
	bufferSize int

	subscribeCh   chan *Subscription
	unsubscribeCh chan *Subscription
	publishCh     chan *models.Insight
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 32
	}

	b := &Broker{
		bufferSize:    bufferSize,
		subscribeCh:   make(chan *Subscription),
		unsubscribeCh: make(chan *Subscription),
		publishCh:     make(chan *models.Insight, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	subs := make(map[string]map[*Subscription]struct{})
	total := 0

	remove := func(s *Subscription) {
		set, ok := subs[s.userID]
		if !ok {
			return
		}
		if _, ok := set[s]; !ok {
			return
		}
		delete(set, s)
		if len(set) == 0 {
			delete(subs, s.userID)
		}
		close(s.ch)
		total--
		metrics.Subscribers.Dec()
	}

	for {
		select {
		case <-b.stopCh:
			for _, set := range subs {
				for s := range set {
					remove(s)
				}
			}
			return

		case s := <-b.subscribeCh:
			set, ok := subs[s.userID]
			if !ok {
				set = make(map[*Subscription]struct{})
				subs[s.userID] = set
			}
			set[s] = struct{}{}
			total++
			metrics.Subscribers.Inc()

		case s := <-b.unsubscribeCh:
			remove(s)

		case ins := <-b.publishCh:
			offer(subs[ins.UserID], ins)
			if ins.UserID != AllUsers {
				offer(subs[AllUsers], ins)
			}

		case resp := <-b.countReqCh:
			resp <- total
		}
	}
}

// offer never blocks; a subscriber whose buffer is full misses ins.
func offer(set map[*Subscription]struct{}, ins *models.Insight) {
	for s := range set {
		if !s.filter.Match(ins) {
			continue
		}
		select {
		case s.ch <- ins:
		default:
			s.dropped.Add(1)
			metrics.SubscriberDrops.Inc()
		}
	}
}

// Subscribe registers interest in userID's new insights. After Close the
// returned subscription's channel is already closed.
func (b *Broker) Subscribe(userID string, filter Filter) *Subscription {
	s := &Subscription{
		userID: userID,
		filter: filter,
		ch:     make(chan *models.Insight, b.bufferSize),
		broker: b,
	}
	if b.closed.Load() {
		close(s.ch)
		return s
	}

	select {
	case b.subscribeCh <- s:
	case <-b.stopped:
		close(s.ch)
	}
	return s
}

func (b *Broker) unsubscribe(s *Subscription) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- s:
	case <-b.stopped:
	}
}

// Publish hands ins to the broker loop. Delivery to each subscriber is
// best-effort.
func (b *Broker) Publish(ins *models.Insight) {
	if b.closed.Load() || ins == nil {
		return
	}
	select {
	case b.publishCh <- ins:
	case <-b.stopped:
	}
}

func (b *Broker) SubscriberCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Close stops the loop and closes every subscription channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Consume feeds each insight from s to fn until s is closed or ctx is done.
// A panic inside fn is logged and the loop carries on with the next insight.
func Consume(ctx context.Context, s *Subscription, fn func(*models.Insight)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ins, ok := <-s.C():
			if !ok {
				return
			}
			deliver(s.userID, ins, fn)
		}
	}
}

func deliver(userID string, ins *models.Insight, fn func(*models.Insight)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("insight subscriber panicked",
				zap.String("user_id", userID),
				zap.String("insight_id", ins.ID),
				zap.Any("panic", r))
		}
	}()
	fn(ins)
}
