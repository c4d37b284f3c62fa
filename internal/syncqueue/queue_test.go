package syncqueue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"cleanhelmet/internal/config"
	"cleanhelmet/internal/connectivity"
	"cleanhelmet/internal/remote"
	"cleanhelmet/internal/store"
)

type dropRecord struct {
	id     string
	reason string
}

type QueueSuite struct {
	suite.Suite
	store   *store.MemoryStore
	sink    *remote.MemorySink
	monitor *connectivity.Monitor
	queue   *Queue

	dropMu  sync.Mutex
	dropped []dropRecord
}

func (s *QueueSuite) SetupTest() {
	s.store = store.NewMemoryStore()
	s.sink = remote.NewMemorySink()
	s.monitor = connectivity.NewMonitor(config.ConnectivityConfig{}, nil,
		func(context.Context) error { return nil }, discardLogger())
	s.dropped = nil
	s.queue = s.newQueue(config.SyncConfig{MaxRetries: 3, MaxItems: 100})
}

func (s *QueueSuite) TearDownTest() {
	s.queue.Destroy()
}

func (s *QueueSuite) newQueue(cfg config.SyncConfig) *Queue {
	q, err := New(Options{
		Store:        s.store,
		Sink:         s.sink,
		Connectivity: s.monitor,
		Config:       cfg,
		OnDrop: func(_ context.Context, item store.SyncItem, reason string) {
			s.dropMu.Lock()
			defer s.dropMu.Unlock()
			s.dropped = append(s.dropped, dropRecord{id: item.ID, reason: reason})
		},
		Logger: discardLogger(),
	})
	s.Require().NoError(err)
	return q
}

func (s *QueueSuite) drops() []dropRecord {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	return append([]dropRecord(nil), s.dropped...)
}

func (s *QueueSuite) enqueue(n int) []store.SyncItem {
	items := make([]store.SyncItem, n)
	for i := range items {
		item, err := s.queue.Enqueue(context.Background(), store.SyncItemLog, map[string]int{"n": i})
		s.Require().NoError(err)
		items[i] = item
	}
	return items
}

func ids(items []store.SyncItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func (s *QueueSuite) TestEnqueueOfflinePersists() {
	items := s.enqueue(2)

	s.Equal(2, s.queue.Len())
	s.Empty(s.sink.Delivered())
	s.NotEqual(items[0].ID, items[1].ID)
	s.Equal(items[0].Seq+1, items[1].Seq)
	s.JSONEq(`{"n":0}`, string(items[0].Payload))

	persisted, err := s.store.LoadSyncItems(context.Background())
	s.Require().NoError(err)
	s.Equal(ids(items), ids(persisted))
}

func (s *QueueSuite) TestOverflowDropsOldest() {
	s.queue.Destroy()
	s.queue = s.newQueue(config.SyncConfig{MaxRetries: 3, MaxItems: 3})

	items := s.enqueue(5)

	s.Equal(ids(items[2:]), ids(s.queue.Items()))
	s.Equal([]dropRecord{
		{id: items[0].ID, reason: DropOverflow},
		{id: items[1].ID, reason: DropOverflow},
	}, s.drops())
}

func (s *QueueSuite) TestFlushDeliversInOrder() {
	items := s.enqueue(3)
	s.Equal(FlushResult{Remaining: 3}, s.queue.Flush(context.Background()), "offline flush does nothing")

	s.monitor.SetOnline(true)
	s.Eventually(func() bool { return s.queue.Len() == 0 && !s.queue.Flushing() }, time.Second, 5*time.Millisecond)

	s.Equal(ids(items), ids(s.sink.Delivered()))
	persisted, err := s.store.LoadSyncItems(context.Background())
	s.Require().NoError(err)
	s.Empty(persisted)
}

func (s *QueueSuite) TestItemFailingThreeTimesIsDropped() {
	items := s.enqueue(3)
	bad := items[1].ID
	s.sink.FailWhen(func(it store.SyncItem) bool { return it.ID == bad })

	s.monitor.SetOnline(true)
	s.Eventually(func() bool { return !s.queue.Flushing() && s.queue.Len() == 0 }, time.Second, 5*time.Millisecond)

	s.Equal(3, s.sink.Attempts(bad))
	s.Equal([]string{items[0].ID, items[2].ID}, ids(s.sink.Delivered()))
	s.Equal([]dropRecord{{id: bad, reason: DropMaxRetries}}, s.drops())

	res := s.queue.Flush(context.Background())
	s.Equal(FlushResult{}, res)
	s.Equal(3, s.sink.Attempts(bad), "never attempted a fourth time")
}

func (s *QueueSuite) TestFlushStopsWhenConnectivityDrops() {
	items := s.enqueue(3)
	s.sink.FailWhen(func(store.SyncItem) bool { return true })
	s.sink.OnDeliver = func(store.SyncItem) { s.monitor.SetOnline(false) }

	s.monitor.SetOnline(true)
	s.Eventually(func() bool { return !s.queue.Flushing() && len(s.sink.Delivered()) == 0 && s.sink.Attempts(items[0].ID) == 1 },
		time.Second, 5*time.Millisecond)

	remaining := s.queue.Items()
	s.Equal([]string{items[1].ID, items[2].ID, items[0].ID}, ids(remaining))
	s.Equal(1, remaining[2].RetryCount)

	persisted, err := s.store.LoadSyncItems(context.Background())
	s.Require().NoError(err)
	s.Equal(1, persisted[2].RetryCount)
}

func (s *QueueSuite) TestConcurrentFlushIsSkipped() {
	s.enqueue(2)
	var inner FlushResult
	s.sink.OnDeliver = func(store.SyncItem) {
		if inner == (FlushResult{}) {
			inner = s.queue.Flush(context.Background())
		}
	}

	s.monitor.SetOnline(true)
	s.Eventually(func() bool { return s.queue.Len() == 0 && !s.queue.Flushing() }, time.Second, 5*time.Millisecond)
	s.True(inner.Skipped)
	s.Len(s.sink.Delivered(), 2)
}

func (s *QueueSuite) TestEnqueueDuringFlushIsAppended() {
	first := s.enqueue(1)[0]
	var added store.SyncItem
	s.sink.OnDeliver = func(it store.SyncItem) {
		if it.ID == first.ID {
			var err error
			added, err = s.queue.Enqueue(context.Background(), store.SyncItemCycle, json.RawMessage(`{"x":1}`))
			s.NoError(err)
		}
	}

	s.monitor.SetOnline(true)
	s.Eventually(func() bool { return len(s.sink.Delivered()) == 2 }, time.Second, 5*time.Millisecond)
	s.Equal([]string{first.ID, added.ID}, ids(s.sink.Delivered()))
}

func (s *QueueSuite) TestEnqueueWhileOnlineFlushes() {
	s.monitor.SetOnline(true)
	item, err := s.queue.Enqueue(context.Background(), store.SyncItemPayment, map[string]string{"status": "approved"})
	s.Require().NoError(err)

	s.Eventually(func() bool { return len(s.sink.Delivered()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal(item.ID, s.sink.Delivered()[0].ID)
}

func (s *QueueSuite) TestLoadRestoresSequence() {
	items := s.enqueue(2)
	s.queue.Destroy()

	s.queue = s.newQueue(config.SyncConfig{MaxRetries: 3, MaxItems: 100})
	s.Require().NoError(s.queue.Load(context.Background()))
	s.Equal(ids(items), ids(s.queue.Items()))

	next := s.enqueue(1)[0]
	s.Equal(items[1].Seq+1, next.Seq)
}

func (s *QueueSuite) TestPersistFailureKeepsItemInMemory() {
	s.store.FailWrites(assert.AnError)
	s.enqueue(1)
	s.Equal(1, s.queue.Len())
}

func (s *QueueSuite) TestDestroyRacingConnectivity() {
	s.enqueue(5)
	s.sink.FailWhen(func(store.SyncItem) bool { return true })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			s.monitor.SetOnline(i%2 == 0)
		}
	}()
	s.queue.Destroy()
	<-done

	s.monitor.SetOnline(false)
	s.monitor.SetOnline(true)
	s.queue.flushAsync()
	s.False(s.queue.Flushing(), "no flush starts after Destroy")
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Config: config.SyncConfig{MaxRetries: 3, MaxItems: 10}})
	assert.Error(t, err)

	_, err = New(Options{Store: store.NewMemoryStore(), Config: config.SyncConfig{MaxItems: 10}})
	assert.Error(t, err)
}

func TestFlushWithoutSink(t *testing.T) {
	q, err := New(Options{Store: store.NewMemoryStore(), Config: config.SyncConfig{MaxRetries: 3, MaxItems: 10}, Logger: discardLogger()})
	require.NoError(t, err)
	defer q.Destroy()

	// no connectivity source counts as online, so enqueue starts a flush
	_, err = q.Enqueue(context.Background(), store.SyncItemLog, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return !q.Flushing() }, time.Second, 5*time.Millisecond)
	res := q.Flush(context.Background())
	assert.Equal(t, 1, res.Remaining)
}

func TestEncodePayload(t *testing.T) {
	raw, err := encodePayload(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(raw))

	_, err = encodePayload(json.RawMessage(`{`))
	assert.Error(t, err)

	_, err = encodePayload(func() {})
	assert.Error(t, err)

	raw, err = encodePayload(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
