// Package broker runs the connection protocol between publisher and
// subscriber ports of one scope.
package broker

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/capro"
	"github.com/coachpo/chunkbus/internal/observability"
	"github.com/coachpo/chunkbus/internal/popo"
	"github.com/coachpo/chunkbus/internal/queue"
)

// DefaultDiscoveryInterval is the period of the discovery loop.
const DefaultDiscoveryInterval = time.Millisecond

// Options configures a broker.
type Options struct {
	DiscoveryInterval time.Duration
	Meter             metric.Meter
}

type subscriberPort interface {
	GetPendingMessage() (capro.Message, bool)
	Dispatch(capro.Message) (capro.Message, bool)
	ServiceDescription() capro.ServiceDescription
	UniqueID() uint64
	SubscriptionState() popo.SubscribeState
	Data() *popo.SubscriberPortData
}

// Broker owns the broker facades of every registered port and matches their
// pending messages. Registration and discovery are serialised by one mutex;
// the data path never touches it.
type Broker struct {
	scope    *popo.Scope
	logger   observability.Logger
	interval time.Duration
	metrics  *brokerMetrics

	mu          sync.Mutex
	publishers  []*popo.PublisherPortBroker
	subscribers []subscriberPort
	closed      bool

	running atomic.Bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// New constructs a broker for scope. A nil logger discards output.
func New(scope *popo.Scope, logger observability.Logger, opts Options) (*Broker, error) {
	if scope == nil {
		return nil, errs.New("broker", errs.CodeInvalid, errs.WithMessage("scope required"))
	}
	if logger == nil {
		logger = observability.Log()
	}
	interval := opts.DiscoveryInterval
	if interval <= 0 {
		interval = DefaultDiscoveryInterval
	}
	return &Broker{
		scope:    scope,
		logger:   logger,
		interval: interval,
		metrics:  newBrokerMetrics(opts.Meter),
	}, nil
}

// Scope returns the scope the broker serves.
func (b *Broker) Scope() *popo.Scope { return b.scope }

func (b *Broker) checkPort(component string, id uint64) error {
	if b.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("broker closed"))
	}
	if popo.BrokerOf(id) != b.scope.BrokerID() {
		return errs.New(component, errs.CodeInvalid,
			errs.WithMessage("port belongs to another broker"),
			errs.WithField("port", strconv.FormatUint(id, 10)),
			errs.WithField("broker", strconv.Itoa(int(b.scope.BrokerID()))))
	}
	for _, p := range b.publishers {
		if p.UniqueID() == id {
			return duplicatePort(component, id)
		}
	}
	for _, s := range b.subscribers {
		if s.UniqueID() == id {
			return duplicatePort(component, id)
		}
	}
	return nil
}

func duplicatePort(component string, id uint64) error {
	return errs.New(component, errs.CodeInvalid,
		errs.WithMessage("port already registered"),
		errs.WithField("port", strconv.FormatUint(id, 10)))
}

// AddPublisher registers a publisher and returns its broker facade.
func (b *Broker) AddPublisher(data *popo.PublisherPortData) (*popo.PublisherPortBroker, error) {
	if data == nil {
		return nil, errs.New("broker/add_publisher", errs.CodeInvalid, errs.WithMessage("port data required"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkPort("broker/add_publisher", data.UniqueID()); err != nil {
		return nil, err
	}
	port := popo.NewPublisherPortBroker(data)
	b.publishers = append(b.publishers, port)
	b.logger.Info("publisher registered",
		observability.Field{Key: "service", Value: data.ServiceDescription().String()},
		observability.Field{Key: "port", Value: data.UniqueID()},
		observability.Field{Key: "process", Value: data.ProcessName()})
	return port, nil
}

// AddSubscriberSingleProducer registers a subscriber with a single-producer
// queue. It is attached to at most one publisher at a time.
func (b *Broker) AddSubscriberSingleProducer(data *popo.SubscriberPortData) (*popo.SubscriberPortSingleProducer, error) {
	port, err := popo.NewSubscriberPortSingleProducer(data)
	if err != nil {
		return nil, err
	}
	if err := b.addSubscriber("broker/add_subscriber", port); err != nil {
		return nil, err
	}
	return port, nil
}

// AddSubscriberMultiProducer registers a subscriber with a multi-producer
// queue.
func (b *Broker) AddSubscriberMultiProducer(data *popo.SubscriberPortData) (*popo.SubscriberPortMultiProducer, error) {
	port, err := popo.NewSubscriberPortMultiProducer(data)
	if err != nil {
		return nil, err
	}
	if err := b.addSubscriber("broker/add_subscriber", port); err != nil {
		return nil, err
	}
	return port, nil
}

func (b *Broker) addSubscriber(component string, port subscriberPort) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkPort(component, port.UniqueID()); err != nil {
		return err
	}
	b.subscribers = append(b.subscribers, port)
	b.logger.Info("subscriber registered",
		observability.Field{Key: "service", Value: port.ServiceDescription().String()},
		observability.Field{Key: "port", Value: port.UniqueID()},
		observability.Field{Key: "queue", Value: port.Data().QueueKind().String()})
	return nil
}

// RemovePublisher unregisters a publisher whose application is gone and
// releases the chunks it allocated but never sent.
func (b *Broker) RemovePublisher(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.publishers {
		if p.UniqueID() != id {
			continue
		}
		b.publishers = append(b.publishers[:i], b.publishers[i+1:]...)
		released := p.ReleaseAllChunks()
		b.logger.Info("publisher removed",
			observability.Field{Key: "service", Value: p.ServiceDescription().String()},
			observability.Field{Key: "port", Value: id},
			observability.Field{Key: "released_chunks", Value: released})
		return true
	}
	return false
}

// RemoveSubscriber unregisters a subscriber and removes its queue from every
// publisher's registration set.
func (b *Broker) RemoveSubscriber(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.UniqueID() != id {
			continue
		}
		b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
		b.detach(s)
		b.logger.Info("subscriber removed",
			observability.Field{Key: "service", Value: s.ServiceDescription().String()},
			observability.Field{Key: "port", Value: id})
		return true
	}
	return false
}

func (b *Broker) detach(s subscriberPort) {
	msg := capro.NewMessage(capro.MessageUnsubscribe, s.ServiceDescription())
	msg.Queue = s.Data().Queue()
	for _, p := range b.publishers {
		if p.ServiceDescription() == msg.Service {
			b.dispatchToPublisher(p, msg)
		}
	}
}

// DoDiscovery runs one pass: pending publisher messages first, so that a
// subscription requested in the same pass sees a fresh offer, then pending
// subscriber messages.
func (b *Broker) DoDiscovery() {
	start := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.publishers {
		if msg, ok := p.GetPendingMessage(); ok {
			b.metrics.recordMessage(msg.Type, "pending")
			b.handlePublisherMessage(p, msg)
		}
	}
	for _, s := range b.subscribers {
		if msg, ok := s.GetPendingMessage(); ok {
			b.metrics.recordMessage(msg.Type, "pending")
			b.handleSubscriberMessage(s, msg)
		}
	}
	b.metrics.recordDiscovery(time.Since(start))
}

func (b *Broker) handlePublisherMessage(p *popo.PublisherPortBroker, msg capro.Message) {
	b.logger.Debug("publisher message",
		observability.Field{Key: "message", Value: msg.String()},
		observability.Field{Key: "port", Value: p.UniqueID()})
	if msg.Type != capro.MessageOffer {
		return
	}
	// Subscribers that stayed SUBSCRIBED across a stop offer are attached again.
	for _, s := range b.subscribers {
		if s.ServiceDescription() != msg.Service || s.SubscriptionState() != popo.Subscribed {
			continue
		}
		if s.Data().QueueKind() == queue.SingleProducer && b.attachedElsewhere(s, p) {
			continue
		}
		sub := capro.NewMessage(capro.MessageSubscribe, msg.Service)
		sub.Queue = s.Data().Queue()
		b.dispatchToPublisher(p, sub)
	}
}

func (b *Broker) attachedElsewhere(s subscriberPort, except *popo.PublisherPortBroker) bool {
	for _, p := range b.publishers {
		if p != except && p.HasQueue(s.Data().Queue()) {
			return true
		}
	}
	return false
}

func (b *Broker) handleSubscriberMessage(s subscriberPort, msg capro.Message) {
	b.logger.Debug("subscriber message",
		observability.Field{Key: "message", Value: msg.String()},
		observability.Field{Key: "port", Value: s.UniqueID()})
	switch msg.Type {
	case capro.MessageSubscribe:
		acked := false
		for _, p := range b.publishers {
			if p.ServiceDescription() != msg.Service || !p.IsOffered() {
				continue
			}
			if resp, ok := b.dispatchToPublisher(p, msg); ok && resp.Type == capro.MessageAck {
				acked = true
				if s.Data().QueueKind() == queue.SingleProducer {
					break
				}
			}
		}
		reply := capro.MessageNack
		if acked {
			reply = capro.MessageAck
		}
		s.Dispatch(capro.NewMessage(reply, msg.Service))
		b.metrics.recordMessage(reply, "sent")
		if !acked {
			b.logger.Info("subscription rejected",
				observability.Field{Key: "service", Value: msg.Service.String()},
				observability.Field{Key: "port", Value: s.UniqueID()})
		}
	case capro.MessageUnsubscribe:
		for _, p := range b.publishers {
			if p.ServiceDescription() == msg.Service {
				b.dispatchToPublisher(p, msg)
			}
		}
	}
}

func (b *Broker) dispatchToPublisher(p *popo.PublisherPortBroker, msg capro.Message) (capro.Message, bool) {
	resp, ok := p.Dispatch(msg)
	if !ok {
		b.metrics.recordMessage(msg.Type, "ignored")
		b.logger.Debug("message ignored",
			observability.Field{Key: "message", Value: msg.String()},
			observability.Field{Key: "port", Value: p.UniqueID()})
		return resp, false
	}
	b.metrics.recordMessage(resp.Type, "sent")
	return resp, true
}

// Run performs discovery passes every interval until ctx is done. Only one
// Run may be active at a time.
func (b *Broker) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errs.New("broker/run", errs.CodeUnavailable, errs.WithMessage("discovery loop already running"))
	}
	defer b.running.Store(false)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.DoDiscovery()
		}
	}
}

// Start runs the discovery loop in the background until Close. It fails when
// the broker is closed or a loop is already running.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.New("broker/start", errs.CodeUnavailable, errs.WithMessage("broker closed"))
	}
	if b.cancel != nil || b.running.Load() {
		return errs.New("broker/start", errs.CodeUnavailable, errs.WithMessage("discovery loop already running"))
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.wg.Go(func() {
		if err := b.Run(runCtx); err != nil {
			b.logger.Error("discovery loop stopped", observability.Field{Key: "error", Value: err})
		}
	})
	return nil
}

// Close stops the background loop and refuses further registrations. Ports
// stay owned by their applications.
func (b *Broker) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.closed = true
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	var failures []error
	if recovered := b.wg.WaitAndRecover(); recovered != nil {
		failures = append(failures, recovered.AsError())
	}
	return observability.AggregateErrors(b.logger, "broker close", failures,
		observability.Field{Key: "broker", Value: b.scope.BrokerID()})
}

// Stats describes the registry.
type Stats struct {
	Publishers  int `json:"publishers"`
	Subscribers int `json:"subscribers"`
	Offered     int `json:"offered"`
	Subscribed  int `json:"subscribed"`
}

// Stats returns a registry snapshot.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Publishers: len(b.publishers), Subscribers: len(b.subscribers)}
	for _, p := range b.publishers {
		if p.IsOffered() {
			st.Offered++
		}
	}
	for _, s := range b.subscribers {
		if s.SubscriptionState() == popo.Subscribed {
			st.Subscribed++
		}
	}
	return st
}
