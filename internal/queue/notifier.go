package queue

// Notifier receives delivery events for one subscriber. Implementations must
// not block: they are invoked on the publisher's send path.
type Notifier interface {
	NotifyChunkArrival()
	NotifyOverflow()
}

// SignalNotifier coalesces events into two one-slot channels. Any number of
// arrivals between two receives collapse into a single signal.
type SignalNotifier struct {
	arrivals  chan struct{}
	overflows chan struct{}
}

// NewSignalNotifier constructs a ready notifier.
func NewSignalNotifier() *SignalNotifier {
	return &SignalNotifier{
		arrivals:  make(chan struct{}, 1),
		overflows: make(chan struct{}, 1),
	}
}

func (n *SignalNotifier) NotifyChunkArrival() { signal(n.arrivals) }

func (n *SignalNotifier) NotifyOverflow() { signal(n.overflows) }

// Arrivals fires after one or more chunks were queued.
func (n *SignalNotifier) Arrivals() <-chan struct{} { return n.arrivals }

// Overflows fires after one or more chunks were evicted.
func (n *SignalNotifier) Overflows() <-chan struct{} { return n.overflows }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
