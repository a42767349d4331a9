package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/broker"
	"github.com/coachpo/chunkbus/internal/capro"
	"github.com/coachpo/chunkbus/internal/config"
	"github.com/coachpo/chunkbus/internal/popo"
	"github.com/coachpo/chunkbus/internal/queue"
)

const (
	sampleSize          = 8
	connectTimeout      = 5 * time.Second
	maxConnectInterval  = 50 * time.Millisecond
	initialConnectDelay = 100 * time.Microsecond
)

type scenarioSpec struct {
	Name       string
	Publishers int
	Kind       queue.Kind
	Samples    int
	Rate       float64
}

type scenarioReport struct {
	Name          string            `json:"name"`
	Publishers    int               `json:"publishers"`
	QueueKind     string            `json:"queue_kind"`
	Samples       int               `json:"samples"`
	Sent          int64             `json:"sent"`
	Received      int64             `json:"received"`
	Lost          bool              `json:"lost"`
	LostChunks    uint64            `json:"lost_chunks"`
	AllocRetries  int64             `json:"alloc_retries"`
	Payload       datasize.ByteSize `json:"payload"`
	Duration      time.Duration     `json:"duration_ns"`
	ChunksPerSec  float64           `json:"chunks_per_sec"`
	ChunksInUse   uint32            `json:"chunks_in_use"`
	OversizeError string            `json:"oversize_error,omitempty"`
}

type harness struct {
	cfg    config.AppConfig
	scope  *popo.Scope
	broker *broker.Broker
	opts   portOptions
}

type portOptions struct {
	publisher  []popo.PublisherOption
	subscriber []popo.SubscriberOption
}

func (h *harness) run(ctx context.Context, sc scenarioSpec) (scenarioReport, error) {
	report := scenarioReport{
		Name:       sc.Name,
		Publishers: sc.Publishers,
		QueueKind:  sc.Kind.String(),
		Samples:    sc.Samples,
		Payload:    datasize.ByteSize(sampleSize),
	}
	service := capro.NewServiceDescription("portbench", sc.Name, "Counter")

	pubData := make([]*popo.PublisherPortData, 0, sc.Publishers)
	defer func() {
		for _, data := range pubData {
			h.broker.RemovePublisher(data.UniqueID())
			data.Destroy()
		}
	}()
	pubs := make([]*popo.PublisherPortUser, 0, sc.Publishers)
	for i := 0; i < sc.Publishers; i++ {
		data, err := popo.NewPublisherPortData(h.scope, service, fmt.Sprintf("publisher-%d", i), h.opts.publisher...)
		if err != nil {
			return report, err
		}
		pubData = append(pubData, data)
		if _, err := h.broker.AddPublisher(data); err != nil {
			return report, err
		}
		pub := popo.NewPublisherPortUser(data)
		pub.Offer()
		pubs = append(pubs, pub)
	}

	capacity := max(h.cfg.Subscriber.QueueCapacity, sc.Publishers*sc.Samples)
	notifier := queue.NewSignalNotifier()
	subOpts := append([]popo.SubscriberOption{popo.WithQueueCapacity(capacity), popo.WithNotifier(notifier)}, h.opts.subscriber...)
	subData, err := popo.NewSubscriberPortData(h.scope, service, "subscriber", sc.Kind, subOpts...)
	if err != nil {
		return report, err
	}
	defer func() {
		h.broker.RemoveSubscriber(subData.UniqueID())
		subData.Destroy()
	}()
	if sc.Kind == queue.SingleProducer {
		_, err = h.broker.AddSubscriberSingleProducer(subData)
	} else {
		_, err = h.broker.AddSubscriberMultiProducer(subData)
	}
	if err != nil {
		return report, err
	}
	sub := popo.NewSubscriberPortUser(subData)
	sub.Subscribe()

	if err := waitFor(ctx, "subscription", connectTimeout, func() bool {
		if sub.SubscriptionState() != popo.Subscribed {
			return false
		}
		for _, pub := range pubs {
			if !pub.HasSubscribers() {
				return false
			}
		}
		return true
	}); err != nil {
		return report, err
	}

	var sent, received, retries atomic.Int64
	var publishing atomic.Int64
	publishing.Store(int64(len(pubs)))
	start := time.Now()

	consumer := pool.New().WithErrors().WithContext(ctx)
	consumer.Go(func(ctx context.Context) error {
		last := make(map[uint64]uint64, len(pubs))
		for {
			for {
				chunk, ok, err := sub.GetChunk()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				value := binary.LittleEndian.Uint64(chunk.Payload())
				if value != chunk.Sequence() || chunk.Sequence() <= last[chunk.OriginID()] {
					_ = sub.ReleaseChunk(chunk)
					return errs.New("portbench/consume", errs.CodeInvalid,
						errs.WithMessage("chunk delivered out of order"),
						errs.WithField("origin", fmt.Sprintf("%#x", chunk.OriginID())))
				}
				last[chunk.OriginID()] = chunk.Sequence()
				received.Add(1)
				if err := sub.ReleaseChunk(chunk); err != nil {
					return err
				}
			}
			if publishing.Load() == 0 && !sub.HasNewChunks() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-notifier.Arrivals():
			case <-time.After(time.Millisecond):
			}
		}
	})

	producers := pool.New().WithErrors().WithContext(ctx)
	for _, pub := range pubs {
		var limiter *rate.Limiter
		if sc.Rate > 0 {
			limiter = rate.NewLimiter(rate.Limit(sc.Rate), 1)
		}
		producers.Go(func(ctx context.Context) error {
			defer publishing.Add(-1)
			for i := 1; i <= sc.Samples; i++ {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return err
					}
				}
				chunk, err := pub.AllocateChunk(sampleSize)
				for errs.IsCanonical(err, errs.CanonicalPoolExhausted) {
					retries.Add(1)
					if ctx.Err() != nil {
						return ctx.Err()
					}
					runtime.Gosched()
					chunk, err = pub.AllocateChunk(sampleSize)
				}
				if err != nil {
					return err
				}
				binary.LittleEndian.PutUint64(chunk.Payload(), uint64(i))
				if err := pub.SendChunk(chunk); err != nil {
					return err
				}
				sent.Add(1)
			}
			return nil
		})
	}
	producerErr := producers.Wait()
	consumerErr := consumer.Wait()
	elapsed := time.Since(start)

	report.Sent = sent.Load()
	report.Received = received.Load()
	report.AllocRetries = retries.Load()
	report.Lost = sub.HasLostChunks()
	report.LostChunks = subData.Queue().LostChunks()
	report.Duration = elapsed
	if elapsed > 0 {
		report.ChunksPerSec = float64(report.Received) / elapsed.Seconds()
	}
	if producerErr != nil {
		return report, producerErr
	}
	if consumerErr != nil {
		return report, consumerErr
	}
	return report, nil
}

// oversize checks that a request beyond the largest pool fails cleanly.
func (h *harness) oversize() (scenarioReport, error) {
	report := scenarioReport{Name: "oversize", Publishers: 1, QueueKind: queue.SingleProducer.String()}
	stats := h.scope.Memory().Stats()
	largest := stats[len(stats)-1].PayloadSize
	report.Payload = datasize.ByteSize(largest) + 1

	data, err := popo.NewPublisherPortData(h.scope, capro.NewServiceDescription("portbench", "oversize", "Counter"), "publisher", h.opts.publisher...)
	if err != nil {
		return report, err
	}
	defer data.Destroy()
	pub := popo.NewPublisherPortUser(data)
	chunk, err := pub.AllocateChunk(largest + 1)
	if err == nil {
		_ = pub.FreeChunk(chunk)
		return report, errs.New("portbench/oversize", errs.CodeInvalid, errs.WithMessage("oversized allocation succeeded"))
	}
	if !errs.IsCanonical(err, errs.CanonicalChunkTooLarge) {
		return report, err
	}
	report.OversizeError = err.Error()
	return report, nil
}

var errNotReady = errors.New("condition not met")

func waitFor(ctx context.Context, what string, timeout time.Duration, cond func() bool) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialConnectDelay
	policy.MaxInterval = maxConnectInterval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if cond() {
			return struct{}{}, nil
		}
		return struct{}{}, errNotReady
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(timeout))
	if errors.Is(err, errNotReady) {
		return errs.New("portbench/wait", errs.CodeUnavailable,
			errs.WithMessage(what+" not established"),
			errs.WithField("timeout", timeout.String()))
	}
	return err
}
