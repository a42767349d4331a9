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
	// DefaultMaxSubscribers bounds a publisher's registration set.
	DefaultMaxSubscribers = 256
	// DefaultMaxChunksAllocated bounds the chunks a publisher may hold unsent.
	DefaultMaxChunksAllocated = 8
)

type publisherOptions struct {
	maxSubscribers     int
	maxChunksAllocated int
	meter              metric.Meter
}

// PublisherOption customises a publisher port.
type PublisherOption func(*publisherOptions)

// WithMaxSubscribers bounds the registration set; SUBSCRIBE beyond it is NACKed.
func WithMaxSubscribers(n int) PublisherOption {
	return func(o *publisherOptions) {
		if n > 0 {
			o.maxSubscribers = n
		}
	}
}

// WithMaxChunksAllocated bounds the number of allocated but unsent chunks.
func WithMaxChunksAllocated(n int) PublisherOption {
	return func(o *publisherOptions) {
		if n > 0 {
			o.maxChunksAllocated = n
		}
	}
}

// WithPublisherMeter overrides the meter used for publisher metrics.
func WithPublisherMeter(meter metric.Meter) PublisherOption {
	return func(o *publisherOptions) {
		o.meter = meter
	}
}

// PublisherPortData is the state shared by a publisher's user and broker
// facades.
type PublisherPortData struct {
	service     capro.ServiceDescription
	processName string
	uniqueID    uint64
	memory      *mepoo.MemoryManager

	offeringRequested atomic.Bool
	offered           atomic.Bool

	distributor *ChunkDistributor
	used        *usedChunkList
	sequence    atomic.Uint64
	destroyed   atomic.Bool

	metrics *portMetrics
}

// NewPublisherPortData creates a publisher for service that allocates from the
// scope's memory manager.
func NewPublisherPortData(scope *Scope, service capro.ServiceDescription, processName string, opts ...PublisherOption) (*PublisherPortData, error) {
	if scope == nil {
		return nil, errs.New("popo/publisher", errs.CodeInvalid, errs.WithMessage("scope required"))
	}
	if err := service.Validate(); err != nil {
		return nil, errs.New("popo/publisher", errs.CodeInvalid, errs.WithMessage("invalid service description"), errs.WithCause(err))
	}
	options := publisherOptions{
		maxSubscribers:     DefaultMaxSubscribers,
		maxChunksAllocated: DefaultMaxChunksAllocated,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return &PublisherPortData{
		service:     service,
		processName: processName,
		uniqueID:    scope.NewPortID(),
		memory:      scope.Memory(),
		distributor: newChunkDistributor(scope.Memory(), options.maxSubscribers),
		used:        newUsedChunkList(options.maxChunksAllocated),
		metrics:     newPortMetrics(options.meter, service.String(), telemetry.PortKindPublisher),
	}, nil
}

// ServiceDescription returns the port's topic.
func (p *PublisherPortData) ServiceDescription() capro.ServiceDescription { return p.service }

// ProcessName returns the name of the owning process.
func (p *PublisherPortData) ProcessName() string { return p.processName }

// UniqueID returns the port id.
func (p *PublisherPortData) UniqueID() uint64 { return p.uniqueID }

// Destroy withdraws the offer intent, drops every registered subscriber and
// releases the chunks allocated but never sent. The broker's next discovery
// pass turns the withdrawn intent into STOP_OFFER. It is idempotent.
func (p *PublisherPortData) Destroy() {
	if p.destroyed.Swap(true) {
		return
	}
	p.offeringRequested.Store(false)
	p.distributor.clear()
	if n := p.used.releaseAll(p.memory.ReleaseRef); n > 0 {
		log.Printf("popo: publisher %s (%d) released %d unsent chunks on destroy", p.service, p.uniqueID, n)
	}
}

// PublisherPortUser is the application-side view of a publisher.
type PublisherPortUser struct {
	data *PublisherPortData
}

// NewPublisherPortUser wraps data for the application.
func NewPublisherPortUser(data *PublisherPortData) *PublisherPortUser {
	return &PublisherPortUser{data: data}
}

// Offer requests that the broker announce the service.
func (u *PublisherPortUser) Offer() { u.data.offeringRequested.Store(true) }

// StopOffer requests that the broker withdraw the service.
func (u *PublisherPortUser) StopOffer() { u.data.offeringRequested.Store(false) }

// IsOffered reports whether the broker has processed the offer.
func (u *PublisherPortUser) IsOffered() bool { return u.data.offered.Load() }

// HasSubscribers reports whether at least one subscriber queue is registered.
func (u *PublisherPortUser) HasSubscribers() bool { return u.data.distributor.Len() > 0 }

// AllocateChunk reserves a chunk with room for size payload bytes. The chunk
// belongs to the caller until it is sent or freed.
func (u *PublisherPortUser) AllocateChunk(size uint32) (*mepoo.ChunkHeader, error) {
	d := u.data
	if d.used.full() {
		return nil, errs.New("popo/allocate_chunk", errs.CodeAllocation,
			errs.WithMessage("too many chunks allocated in parallel"),
			errs.WithCanonicalCode(errs.CanonicalTooManyChunksAllocated),
			errs.WithField("limit", strconv.Itoa(len(d.used.slots))),
			errs.WithRemediation("send or free chunks before allocating more"))
	}
	h, err := d.memory.Allocate(size)
	if err != nil {
		return nil, err
	}
	if !d.used.insert(h.Ref()) {
		d.memory.Release(h)
		return nil, errs.New("popo/allocate_chunk", errs.CodeAllocation,
			errs.WithMessage("too many chunks allocated in parallel"),
			errs.WithCanonicalCode(errs.CanonicalTooManyChunksAllocated))
	}
	return h, nil
}

// SendChunk delivers h to every registered subscriber and gives up the
// publisher's reference. h must not be used afterwards.
func (u *PublisherPortUser) SendChunk(h *mepoo.ChunkHeader) error {
	d := u.data
	if h == nil || !d.used.remove(h.Ref()) {
		return unknownChunk("popo/send_chunk", h)
	}
	h.Stamp(d.uniqueID, d.sequence.Add(1))
	delivered := d.distributor.deliver(h)
	d.memory.Release(h)
	d.metrics.recordChunk()
	d.metrics.recordFanout(delivered)
	return nil
}

// FreeChunk returns an allocated chunk without sending it.
func (u *PublisherPortUser) FreeChunk(h *mepoo.ChunkHeader) error {
	d := u.data
	if h == nil || !d.used.remove(h.Ref()) {
		return unknownChunk("popo/free_chunk", h)
	}
	d.memory.Release(h)
	return nil
}

// PublisherPortBroker is the broker-side view of a publisher.
type PublisherPortBroker struct {
	data *PublisherPortData
}

// NewPublisherPortBroker wraps data for the broker.
func NewPublisherPortBroker(data *PublisherPortData) *PublisherPortBroker {
	return &PublisherPortBroker{data: data}
}

// ServiceDescription returns the port's topic.
func (b *PublisherPortBroker) ServiceDescription() capro.ServiceDescription { return b.data.service }

// UniqueID returns the port id.
func (b *PublisherPortBroker) UniqueID() uint64 { return b.data.uniqueID }

// IsOffered reports the broker-visible offer state.
func (b *PublisherPortBroker) IsOffered() bool { return b.data.offered.Load() }

// HasQueue reports whether q is in the registration set.
func (b *PublisherPortBroker) HasQueue(q *queue.ChunkQueueData) bool {
	return b.data.distributor.Contains(q)
}

// GetPendingMessage turns the application's offer intent into OFFER or
// STOP_OFFER. Withdrawing the offer clears the registration set.
func (b *PublisherPortBroker) GetPendingMessage() (capro.Message, bool) {
	d := b.data
	requested := d.offeringRequested.Load()
	offered := d.offered.Load()
	switch {
	case requested && !offered:
		d.offered.Store(true)
		return capro.NewMessage(capro.MessageOffer, d.service), true
	case !requested && offered:
		d.offered.Store(false)
		d.distributor.clear()
		return capro.NewMessage(capro.MessageStopOffer, d.service), true
	}
	return capro.Message{}, false
}

// Dispatch handles SUBSCRIBE and UNSUBSCRIBE from the broker. Anything else
// is ignored and yields no response.
func (b *PublisherPortBroker) Dispatch(msg capro.Message) (capro.Message, bool) {
	d := b.data
	if msg.Service != d.service || msg.Queue == nil {
		return capro.Message{}, false
	}
	switch msg.Type {
	case capro.MessageSubscribe:
		if !d.offered.Load() {
			return b.response(capro.MessageNack, msg), true
		}
		switch d.distributor.add(msg.Queue) {
		case registrationFull:
			log.Printf("popo: publisher %s (%d) rejected subscriber %d: registration set full", d.service, d.uniqueID, msg.Queue.Owner())
			return b.response(capro.MessageNack, msg), true
		default:
			return b.response(capro.MessageAck, msg), true
		}
	case capro.MessageUnsubscribe:
		if d.distributor.remove(msg.Queue) {
			return b.response(capro.MessageAck, msg), true
		}
	}
	return capro.Message{}, false
}

func (b *PublisherPortBroker) response(typ capro.MessageType, req capro.Message) capro.Message {
	resp := capro.NewMessage(typ, b.data.service)
	resp.Queue = req.Queue
	return resp
}

// ReleaseAllChunks releases every chunk the publisher allocated but did not
// send. The broker calls it when the owning application went away.
func (b *PublisherPortBroker) ReleaseAllChunks() int {
	return b.data.used.releaseAll(b.data.memory.ReleaseRef)
}

func unknownChunk(component string, h *mepoo.ChunkHeader) error {
	ref := "nil"
	if h != nil {
		ref = fmt.Sprintf("%#x", uint64(h.Ref()))
	}
	return errs.New(component, errs.CodeInvalid,
		errs.WithMessage("chunk is not owned by this port"),
		errs.WithCanonicalCode(errs.CanonicalUnknownChunk),
		errs.WithField("chunk", ref))
}
