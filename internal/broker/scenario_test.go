package broker

import (
	"context"
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/chunkbus/errs"
	"github.com/coachpo/chunkbus/internal/capro"
	"github.com/coachpo/chunkbus/internal/mepoo"
	"github.com/coachpo/chunkbus/internal/popo"
	"github.com/coachpo/chunkbus/internal/queue"
)

const (
	scenarioPayloadSize = 128
	scenarioChunkCount  = 27000
	scenarioSamples     = 1000
)

type scenarioResult struct {
	sent     int64
	received int64
	lost     bool
	used     uint32
}

func runScenario(t *testing.T, publishers int, kind queue.Kind) scenarioResult {
	t.Helper()
	var cfg mepoo.Config
	cfg.Add(scenarioPayloadSize, scenarioChunkCount)
	mem := mepoo.NewMemoryManager()
	require.NoError(t, mem.ConfigureHeap(cfg))
	scope, err := popo.NewScope(1, mem)
	require.NoError(t, err)

	b, err := New(scope, nil, Options{DiscoveryInterval: time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx))
	defer func() { require.NoError(t, b.Close()) }()

	service := capro.NewServiceDescription("Radar", "FrontLeft", "Counter")
	pubs := make([]*popo.PublisherPortUser, publishers)
	pubData := make([]*popo.PublisherPortData, publishers)
	for i := range pubs {
		data, err := popo.NewPublisherPortData(scope, service, "publisher")
		require.NoError(t, err)
		_, err = b.AddPublisher(data)
		require.NoError(t, err)
		pubData[i] = data
		pubs[i] = popo.NewPublisherPortUser(data)
		pubs[i].Offer()
	}
	for _, pub := range pubs {
		require.Eventually(t, pub.IsOffered, 5*time.Second, time.Millisecond)
	}

	subData, err := popo.NewSubscriberPortData(scope, service, "subscriber", kind,
		popo.WithQueueCapacity(publishers*scenarioSamples))
	require.NoError(t, err)
	if kind == queue.SingleProducer {
		_, err = b.AddSubscriberSingleProducer(subData)
	} else {
		_, err = b.AddSubscriberMultiProducer(subData)
	}
	require.NoError(t, err)
	sub := popo.NewSubscriberPortUser(subData)
	sub.Subscribe()
	require.Eventually(t, func() bool { return sub.SubscriptionState() == popo.Subscribed }, 5*time.Second, time.Millisecond)
	for _, pub := range pubs {
		require.Eventually(t, pub.HasSubscribers, 5*time.Second, time.Millisecond)
	}

	var sent, received atomic.Int64
	var publishing atomic.Int64
	publishing.Store(int64(publishers))

	consumer := pool.New().WithErrors()
	consumer.Go(func() error {
		last := make(map[uint64]uint64, publishers)
		for {
			h, ok, err := sub.GetChunk()
			if err != nil {
				return err
			}
			if !ok {
				if publishing.Load() == 0 && !sub.HasNewChunks() {
					return nil
				}
				runtime.Gosched()
				continue
			}
			value := binary.LittleEndian.Uint64(h.Payload())
			if value != h.Sequence() || h.Sequence() <= last[h.OriginID()] {
				return errs.New("scenario", errs.CodeInvalid, errs.WithMessage("out of order chunk"))
			}
			last[h.OriginID()] = h.Sequence()
			received.Add(1)
			if err := sub.ReleaseChunk(h); err != nil {
				return err
			}
		}
	})

	workers := pool.New().WithErrors()
	for _, pub := range pubs {
		workers.Go(func() error {
			defer publishing.Add(-1)
			for i := 1; i <= scenarioSamples; i++ {
				h, err := pub.AllocateChunk(8)
				if err != nil {
					return err
				}
				binary.LittleEndian.PutUint64(h.Payload(), uint64(i))
				if err := pub.SendChunk(h); err != nil {
					return err
				}
				sent.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, workers.Wait())
	require.NoError(t, consumer.Wait())

	res := scenarioResult{sent: sent.Load(), received: received.Load(), lost: sub.HasLostChunks()}
	subData.Destroy()
	b.RemoveSubscriber(subData.UniqueID())
	for _, data := range pubData {
		data.Destroy()
	}
	res.used = mem.Stats()[0].Used
	return res
}

func TestScenarioSingleProducer(t *testing.T) {
	res := runScenario(t, 1, queue.SingleProducer)
	require.Equal(t, int64(scenarioSamples), res.sent)
	require.Equal(t, res.sent, res.received)
	require.False(t, res.lost)
	require.Zero(t, res.used)
}

func TestScenarioMultiProducer(t *testing.T) {
	if testing.Short() {
		t.Skip("fan-in stress scenario")
	}
	const publishers = 27
	res := runScenario(t, publishers, queue.MultiProducer)
	require.Equal(t, int64(publishers*scenarioSamples), res.sent)
	require.Equal(t, res.sent, res.received)
	require.False(t, res.lost)
	require.Zero(t, res.used)
}

func TestScenarioOversizedAllocation(t *testing.T) {
	var cfg mepoo.Config
	cfg.Add(scenarioPayloadSize, 4)
	mem := mepoo.NewMemoryManager()
	require.NoError(t, mem.ConfigureHeap(cfg))
	scope, err := popo.NewScope(1, mem)
	require.NoError(t, err)

	data, err := popo.NewPublisherPortData(scope, capro.NewServiceDescription("Radar", "FrontLeft", "Counter"), "publisher")
	require.NoError(t, err)
	pub := popo.NewPublisherPortUser(data)

	_, err = pub.AllocateChunk(scenarioPayloadSize + 1)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeAllocation))
	require.True(t, errs.IsCanonical(err, errs.CanonicalChunkTooLarge))
	require.Zero(t, mem.Stats()[0].Used)
}
