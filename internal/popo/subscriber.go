package popo

import (
	"fmt"
	"log"
	"strconv"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/capro"
	"github.com/coachpo/chunkbus/internal/mepoo"
	"github.com/coachpo/chunkbus/internal/queue"
	"github.com/coachpo/chunkbus/internal/telemetry"
)

const (
	// DefaultQueueCapacity is the delivery queue size of a subscriber.
	DefaultQueueCapacity = 256
	// DefaultMaxChunksHeld bounds the chunks a subscriber may hold unreleased.
	DefaultMaxChunksHeld = 256
)

// SubscribeState is the subscriber side of the connection protocol.
type SubscribeState uint32

const (
	NotSubscribed SubscribeState = iota
	SubscribeRequested
	Subscribed
)

func (s SubscribeState) String() string {
	switch s {
	case NotSubscribed:
		return "NOT_SUBSCRIBED"
	case SubscribeRequested:
		return "SUBSCRIBE_REQUESTED"
	case Subscribed:
		return "SUBSCRIBED"
	default:
		return fmt.Sprintf("SubscribeState(%d)", uint32(s))
	}
}

type subscriberOptions struct {
	queueCapacity int
	maxChunksHeld int
	notifier      queue.Notifier
	meter         metric.Meter
}

// SubscriberOption customises a subscriber port.
type SubscriberOption func(*subscriberOptions)

// WithQueueCapacity sets the delivery queue capacity.
func WithQueueCapacity(n int) SubscriberOption {
	return func(o *subscriberOptions) {
		if n > 0 {
			o.queueCapacity = n
		}
	}
}

// WithMaxChunksHeld bounds the chunks taken by GetChunk and not yet released.
func WithMaxChunksHeld(n int) SubscriberOption {
	return func(o *subscriberOptions) {
		if n > 0 {
			o.maxChunksHeld = n
		}
	}
}

// WithNotifier installs the chunk arrival and overflow hook.
func WithNotifier(n queue.Notifier) SubscriberOption {
	return func(o *subscriberOptions) {
		o.notifier = n
	}
}

// WithSubscriberMeter overrides the meter used for subscriber metrics.
func WithSubscriberMeter(meter metric.Meter) SubscriberOption {
	return func(o *subscriberOptions) {
		o.meter = meter
	}
}

// SubscriberPortData is the state shared by a subscriber's user and broker
// facades.
type SubscriberPortData struct {
	service     capro.ServiceDescription
	processName string
	uniqueID    uint64
	memory      *mepoo.MemoryManager
	queue       *queue.ChunkQueueData

	// requested and generation are written by the user facade only; handled
	// and state by the broker facade only.
	requested  atomic.Bool
	generation atomic.Uint64
	handled    atomic.Uint64
	state      atomic.Uint32

	used      *usedChunkList
	lostSeen  atomic.Uint64
	destroyed atomic.Bool
	metrics   *portMetrics
}

// NewSubscriberPortData creates a subscriber for service whose delivery queue
// is of the given kind.
func NewSubscriberPortData(scope *Scope, service capro.ServiceDescription, processName string, kind queue.Kind, opts ...SubscriberOption) (*SubscriberPortData, error) {
	if scope == nil {
		return nil, errs.New("popo/subscriber", errs.CodeInvalid, errs.WithMessage("scope required"))
	}
	if err := service.Validate(); err != nil {
		return nil, errs.New("popo/subscriber", errs.CodeInvalid, errs.WithMessage("invalid service description"), errs.WithCause(err))
	}
	options := subscriberOptions{
		queueCapacity: DefaultQueueCapacity,
		maxChunksHeld: DefaultMaxChunksHeld,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	id := scope.NewPortID()
	q, err := queue.NewChunkQueueData(id, kind, options.queueCapacity)
	if err != nil {
		return nil, err
	}
	if options.notifier != nil {
		q.SetNotifier(options.notifier)
	}
	return &SubscriberPortData{
		service:     service,
		processName: processName,
		uniqueID:    id,
		memory:      scope.Memory(),
		queue:       q,
		used:        newUsedChunkList(options.maxChunksHeld),
		metrics:     newPortMetrics(options.meter, service.String(), telemetry.PortKindSubscriber),
	}, nil
}

// ServiceDescription returns the port's topic.
func (s *SubscriberPortData) ServiceDescription() capro.ServiceDescription { return s.service }

// ProcessName returns the name of the owning process.
func (s *SubscriberPortData) ProcessName() string { return s.processName }

// UniqueID returns the port id.
func (s *SubscriberPortData) UniqueID() uint64 { return s.uniqueID }

// QueueKind reports the producer mode of the delivery queue.
func (s *SubscriberPortData) QueueKind() queue.Kind { return s.queue.Kind() }

// Queue returns the delivery endpoint publishers push into.
func (s *SubscriberPortData) Queue() *queue.ChunkQueueData { return s.queue }

func (s *SubscriberPortData) loadState() SubscribeState {
	return SubscribeState(s.state.Load())
}

// Destroy withdraws the subscription intent, closes the delivery queue and
// releases every queued and held chunk. Publishers that still list the queue
// have their pushes refused. The connection state is left to the broker: its
// next discovery pass sends UNSUBSCRIBE, which removes the queue from every
// publisher's registration set; Broker.RemoveSubscriber does the same
// immediately. It is idempotent.
func (s *SubscriberPortData) Destroy() {
	if s.destroyed.Swap(true) {
		return
	}
	s.requested.Store(false)
	s.queue.Close()
	queued := s.queue.Drain(s.memory.ReleaseRef)
	held := s.used.releaseAll(s.memory.ReleaseRef)
	if queued > 0 || held > 0 {
		log.Printf("popo: subscriber %s (%d) released %d queued and %d held chunks on destroy", s.service, s.uniqueID, queued, held)
	}
}

// Destroyed reports whether Destroy was called.
func (s *SubscriberPortData) Destroyed() bool { return s.destroyed.Load() }

// SubscriberPortUser is the application-side view of a subscriber.
type SubscriberPortUser struct {
	data *SubscriberPortData
}

// NewSubscriberPortUser wraps data for the application.
func NewSubscriberPortUser(data *SubscriberPortData) *SubscriberPortUser {
	return &SubscriberPortUser{data: data}
}

// Subscribe records the intent to subscribe. Every call starts a new request,
// so calling it again after a NACK retries.
func (u *SubscriberPortUser) Subscribe() {
	u.data.requested.Store(true)
	u.data.generation.Add(1)
}

// Unsubscribe records the intent to unsubscribe.
func (u *SubscriberPortUser) Unsubscribe() { u.data.requested.Store(false) }

// SubscriptionState returns the broker-visible connection state.
func (u *SubscriberPortUser) SubscriptionState() SubscribeState { return u.data.loadState() }

// GetChunk takes the oldest queued chunk. An empty queue yields (nil, false,
// nil). The chunk must be handed back with ReleaseChunk.
func (u *SubscriberPortUser) GetChunk() (*mepoo.ChunkHeader, bool, error) {
	d := u.data
	if d.loadState() != Subscribed {
		return nil, false, errs.New("popo/get_chunk", errs.CodeReceive,
			errs.WithMessage("subscriber is not subscribed"),
			errs.WithCanonicalCode(errs.CanonicalNotSubscribed),
			errs.WithField("state", d.loadState().String()))
	}
	if d.used.full() {
		return nil, false, errs.New("popo/get_chunk", errs.CodeReceive,
			errs.WithMessage("too many chunks held in parallel"),
			errs.WithCanonicalCode(errs.CanonicalTooManyChunksHeld),
			errs.WithField("limit", strconv.Itoa(len(d.used.slots))),
			errs.WithRemediation("release chunks before taking more"))
	}
	ref, ok := d.queue.Pop()
	if !ok {
		return nil, false, nil
	}
	d.used.insert(ref)
	d.metrics.recordChunk()
	return d.memory.Header(ref), true, nil
}

// ReleaseChunk returns a chunk obtained from GetChunk.
func (u *SubscriberPortUser) ReleaseChunk(h *mepoo.ChunkHeader) error {
	d := u.data
	if h == nil || !d.used.remove(h.Ref()) {
		ref := "nil"
		if h != nil {
			ref = fmt.Sprintf("%#x", uint64(h.Ref()))
		}
		return errs.New("popo/release_chunk", errs.CodeReceive,
			errs.WithMessage("chunk is not held by this subscriber"),
			errs.WithCanonicalCode(errs.CanonicalUnknownChunk),
			errs.WithField("chunk", ref))
	}
	d.memory.Release(h)
	return nil
}

// HasNewChunks reports whether the delivery queue is non-empty.
func (u *SubscriberPortUser) HasNewChunks() bool { return u.data.queue.Len() > 0 }

// HasLostChunks reports and clears the lost-chunk flag.
func (u *SubscriberPortUser) HasLostChunks() bool {
	d := u.data
	lost := d.queue.HasLostChunks(true)
	total := d.queue.LostChunks()
	d.metrics.recordLost(total - d.lostSeen.Swap(total))
	return lost
}

// ReleaseQueuedChunks drops every queued chunk and returns how many there were.
func (u *SubscriberPortUser) ReleaseQueuedChunks() int {
	return u.data.queue.Drain(u.data.memory.ReleaseRef)
}

// ChunksHeld returns the number of chunks taken and not yet released.
func (u *SubscriberPortUser) ChunksHeld() int { return u.data.used.len() }

// SetNotifier routes chunk arrival and overflow events to n.
func (u *SubscriberPortUser) SetNotifier(n queue.Notifier) { u.data.queue.SetNotifier(n) }

// subscriberPortBroker implements the broker side shared by both queue kinds.
type subscriberPortBroker struct {
	data *SubscriberPortData
}

func newSubscriberPortBroker(data *SubscriberPortData, want queue.Kind) (subscriberPortBroker, error) {
	if data == nil {
		return subscriberPortBroker{}, errs.New("popo/subscriber_broker", errs.CodeInvalid, errs.WithMessage("port data required"))
	}
	if got := data.QueueKind(); got != want {
		return subscriberPortBroker{}, errs.New("popo/subscriber_broker", errs.CodeInvalid,
			errs.WithMessage("queue kind mismatch"),
			errs.WithField("want", want.String()),
			errs.WithField("got", got.String()))
	}
	return subscriberPortBroker{data: data}, nil
}

// ServiceDescription returns the port's topic.
func (b subscriberPortBroker) ServiceDescription() capro.ServiceDescription { return b.data.service }

// UniqueID returns the port id.
func (b subscriberPortBroker) UniqueID() uint64 { return b.data.uniqueID }

// Data returns the shared port state.
func (b subscriberPortBroker) Data() *SubscriberPortData { return b.data }

// SubscriptionState returns the connection state.
func (b subscriberPortBroker) SubscriptionState() SubscribeState { return b.data.loadState() }

// GetPendingMessage turns the application's subscribe intent into SUBSCRIBE
// or UNSUBSCRIBE. A SUBSCRIBE is produced once per Subscribe call.
func (b subscriberPortBroker) GetPendingMessage() (capro.Message, bool) {
	d := b.data
	requested := d.requested.Load()
	switch state := d.loadState(); {
	case state == NotSubscribed && requested:
		gen := d.generation.Load()
		if gen == d.handled.Load() {
			return capro.Message{}, false
		}
		d.handled.Store(gen)
		d.state.Store(uint32(SubscribeRequested))
		return b.message(capro.MessageSubscribe), true
	case state != NotSubscribed && !requested:
		d.state.Store(uint32(NotSubscribed))
		return b.message(capro.MessageUnsubscribe), true
	}
	return capro.Message{}, false
}

// Dispatch applies the broker's ACK or NACK to a pending subscription. The
// subscriber never answers, so the second result is always false.
func (b subscriberPortBroker) Dispatch(msg capro.Message) (capro.Message, bool) {
	d := b.data
	if msg.Service != d.service || d.loadState() != SubscribeRequested {
		return capro.Message{}, false
	}
	switch msg.Type {
	case capro.MessageAck:
		d.state.Store(uint32(Subscribed))
	case capro.MessageNack:
		d.state.Store(uint32(NotSubscribed))
	}
	return capro.Message{}, false
}

func (b subscriberPortBroker) message(typ capro.MessageType) capro.Message {
	msg := capro.NewMessage(typ, b.data.service)
	msg.Queue = b.data.queue
	return msg
}

// SubscriberPortSingleProducer is the broker-side view of a subscriber whose
// queue accepts exactly one publisher.
type SubscriberPortSingleProducer struct {
	subscriberPortBroker
}

// NewSubscriberPortSingleProducer wraps data, which must use a
// single-producer queue.
func NewSubscriberPortSingleProducer(data *SubscriberPortData) (*SubscriberPortSingleProducer, error) {
	base, err := newSubscriberPortBroker(data, queue.SingleProducer)
	if err != nil {
		return nil, err
	}
	return &SubscriberPortSingleProducer{subscriberPortBroker: base}, nil
}

// SubscriberPortMultiProducer is the broker-side view of a subscriber whose
// queue accepts any number of publishers.
type SubscriberPortMultiProducer struct {
	subscriberPortBroker
}

// NewSubscriberPortMultiProducer wraps data, which must use a multi-producer
// queue.
func NewSubscriberPortMultiProducer(data *SubscriberPortData) (*SubscriberPortMultiProducer, error) {
	base, err := newSubscriberPortBroker(data, queue.MultiProducer)
	if err != nil {
		return nil, err
	}
	return &SubscriberPortMultiProducer{subscriberPortBroker: base}, nil
}
