package connmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skalibog/bmse/pkg/models"
)

type fakeStream struct {
	once sync.Once
	done chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{done: make(chan struct{})}
}

func (s *fakeStream) Close()                { s.once.Do(func() { close(s.done) }) }
func (s *fakeStream) Done() <-chan struct{} { return s.done }

// breakConn имитирует обрыв со стороны транспорта
func (s *fakeStream) breakConn() { s.Close() }

type fakeOpener struct {
	mu       sync.Mutex
	opens    int32
	streams  []*fakeStream
	emitters []func(Event)
}

func (o *fakeOpener) Open(ctx context.Context, symbol string, kind StreamKind, onEvent func(Event)) (Stream, error) {
	atomic.AddInt32(&o.opens, 1)
	s := newFakeStream()
	o.mu.Lock()
	o.streams = append(o.streams, s)
	o.emitters = append(o.emitters, onEvent)
	o.mu.Unlock()
	return s, nil
}

func (o *fakeOpener) last() (*fakeStream, func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streams[len(o.streams)-1], o.emitters[len(o.emitters)-1]
}

func TestConnectIdempotent(t *testing.T) {
	op := &fakeOpener{}
	m := New(op, 10*time.Millisecond, 10*time.Millisecond)
	defer m.Shutdown()

	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := atomic.LoadInt32(&op.opens); got != 1 {
		t.Fatalf("expected single open, got %d", got)
	}
	if st := m.State("BTCUSDT", KindCandles); st != StateConnected {
		t.Fatalf("expected Connected, got %v", st)
	}
}

func TestEventsDeliveredToAllHandlers(t *testing.T) {
	op := &fakeOpener{}
	m := New(op, 10*time.Millisecond, 10*time.Millisecond)
	defer m.Shutdown()

	var a, b int32
	m.Subscribe("BTCUSDT", KindCandles, func(Event) { atomic.AddInt32(&a, 1) })
	m.Subscribe("BTCUSDT", KindCandles, func(Event) { atomic.AddInt32(&b, 1) })

	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, emit := op.last()
	emit(Event{Symbol: "BTCUSDT", Kind: KindCandles, Candle: &models.Candle{Close: 1}})

	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 1 {
		t.Fatalf("both handlers must run, got a=%d b=%d", a, b)
	}
}

func TestLateEventAfterShutdownDropped(t *testing.T) {
	op := &fakeOpener{}
	m := New(op, 10*time.Millisecond, 10*time.Millisecond)

	var delivered int32
	m.Subscribe("BTCUSDT", KindDepth, func(Event) { atomic.AddInt32(&delivered, 1) })

	if err := m.Connect(context.Background(), "BTCUSDT", KindDepth); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, emit := op.last()

	m.Shutdown()
	// сообщение, успевшее прийти до фактического закрытия сокета
	emit(Event{Symbol: "BTCUSDT", Kind: KindDepth})

	if atomic.LoadInt32(&delivered) != 0 {
		t.Fatalf("event after shutdown must be dropped")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	op := &fakeOpener{}
	m := New(op, time.Hour, time.Hour)

	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s, _ := op.last()
	s.breakConn() // взводит таймер переподключения
	time.Sleep(50 * time.Millisecond)
	if m.PendingReconnects() != 1 {
		t.Fatalf("expected one pending reconnect timer")
	}

	m.Shutdown()
	m.Shutdown()

	if m.PendingReconnects() != 0 {
		t.Fatalf("shutdown must cancel reconnect timers")
	}
	if st := m.State("BTCUSDT", KindCandles); st != StateDisconnected {
		t.Fatalf("expected Disconnected after shutdown, got %v", st)
	}
}

func TestReconnectAfterClose(t *testing.T) {
	op := &fakeOpener{}
	m := New(op, 20*time.Millisecond, 20*time.Millisecond)
	defer m.Shutdown()

	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s, _ := op.last()
	s.breakConn()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&op.opens) >= 2 && m.State("BTCUSDT", KindCandles) == StateConnected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected automatic reconnect, opens=%d state=%v",
		atomic.LoadInt32(&op.opens), m.State("BTCUSDT", KindCandles))
}

func TestNoReconnectDuringShutdown(t *testing.T) {
	op := &fakeOpener{}
	m := New(op, 10*time.Millisecond, 10*time.Millisecond)

	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.Shutdown()

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&op.opens); got != 1 {
		t.Fatalf("no reconnect may happen after shutdown, opens=%d", got)
	}
	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != ErrShuttingDown {
		t.Fatalf("connect during shutdown must fail, got %v", err)
	}
}

func TestResumeAllowsReuse(t *testing.T) {
	op := &fakeOpener{}
	m := New(op, 10*time.Millisecond, 10*time.Millisecond)

	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.Shutdown()
	m.Resume()

	if err := m.Connect(context.Background(), "BTCUSDT", KindCandles); err != nil {
		t.Fatalf("connect after resume: %v", err)
	}
	if st := m.State("BTCUSDT", KindCandles); st != StateConnected {
		t.Fatalf("expected Connected after resume, got %v", st)
	}
	m.Shutdown()
}
