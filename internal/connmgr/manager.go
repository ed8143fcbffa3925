package connmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/bmse/pkg/logger"
	"github.com/skalibog/bmse/pkg/models"
	"go.uber.org/zap"
)

// ErrShuttingDown возвращается при попытке подключения во время остановки
var ErrShuttingDown = errors.New("менеджер подключений останавливается")

// StreamKind — вид потоковой подписки
type StreamKind int

const (
	KindCandles StreamKind = iota
	KindDepth
	KindUserData
)

func (k StreamKind) String() string {
	switch k {
	case KindCandles:
		return "candles"
	case KindDepth:
		return "depth"
	case KindUserData:
		return "userdata"
	default:
		return "unknown"
	}
}

// State — состояние подключения для пары (инструмент, вид потока)
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectWait
)

// Event — входящее событие потока, уже разобранное транспортом
type Event struct {
	Symbol       string
	Kind         StreamKind
	Candle       *models.Candle
	CandleClosed bool
	Depth        *models.OrderBookSnapshot
}

// Handler вызывается для каждого входящего события подписки
type Handler func(Event)

// Stream — открытое потоковое подключение. Done закрывается при
// обрыве соединения (транспортом или вызовом Close).
type Stream interface {
	Close()
	Done() <-chan struct{}
}

// Opener открывает потоковое подключение. Транспорт для менеджера
// непрозрачен: только onEvent и пара Close/Done.
type Opener interface {
	Open(ctx context.Context, symbol string, kind StreamKind, onEvent func(Event)) (Stream, error)
}

type streamKey struct {
	symbol string
	kind   StreamKind
}

type conn struct {
	state  State
	stream Stream
	timer  *time.Timer
	boff   *backoff.Backoff
}

// Manager владеет потоковыми подписками: одно подключение на пару
// (инструмент, вид потока), переподключение с задержкой, общий
// флаг остановки.
type Manager struct {
	opener Opener

	delayMin time.Duration
	delayMax time.Duration

	mu           sync.Mutex
	conns        map[streamKey]*conn
	handlers     map[streamKey][]Handler
	shuttingDown bool
	gen          uint64
}

// New создает менеджер. delayMin == delayMax дает фиксированную задержку.
func New(opener Opener, delayMin, delayMax time.Duration) *Manager {
	if delayMax < delayMin {
		delayMax = delayMin
	}
	return &Manager{
		opener:   opener,
		delayMin: delayMin,
		delayMax: delayMax,
		conns:    make(map[streamKey]*conn),
		handlers: make(map[streamKey][]Handler),
	}
}

// Subscribe регистрирует обработчик событий для пары (инструмент, вид).
// Обработчиков может быть несколько, вызываются все.
func (m *Manager) Subscribe(symbol string, kind StreamKind, h Handler) {
	key := streamKey{symbol: symbol, kind: kind}
	m.mu.Lock()
	m.handlers[key] = append(m.handlers[key], h)
	m.mu.Unlock()
}

// State возвращает текущее состояние подключения
func (m *Manager) State(symbol string, kind StreamKind) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[streamKey{symbol: symbol, kind: kind}]
	if !ok {
		return StateDisconnected
	}
	return c.state
}

// PendingReconnects возвращает число взведенных таймеров переподключения
func (m *Manager) PendingReconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		if c.timer != nil {
			n++
		}
	}
	return n
}

// Connect открывает поток. Идемпотентен: в состояниях Connecting и
// Connected — no-op. Флаг остановки проверяется до открытия и сразу
// после завершения рукопожатия.
func (m *Manager) Connect(ctx context.Context, symbol string, kind StreamKind) error {
	key := streamKey{symbol: symbol, kind: kind}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	c := m.ensureLocked(key)
	if c.state == StateConnecting || c.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	stream, err := m.opener.Open(ctx, symbol, kind, func(ev Event) {
		m.dispatch(key, ev)
	})

	m.mu.Lock()
	if err != nil {
		c.state = StateDisconnected
		if !m.shuttingDown && gen == m.gen {
			m.scheduleReconnectLocked(key, c)
		}
		m.mu.Unlock()
		return err
	}
	if m.shuttingDown || gen != m.gen {
		// остановка началась, пока открывалось соединение
		c.state = StateDisconnected
		m.mu.Unlock()
		stream.Close()
		return ErrShuttingDown
	}
	c.state = StateConnected
	c.stream = stream
	c.boff.Reset()
	m.mu.Unlock()

	logger.Info("поток подключен", zap.String("symbol", symbol), zap.Stringer("kind", kind))

	go m.watch(key, stream, gen)
	return nil
}

// dispatch доставляет событие подписчикам. Событие, пришедшее после
// начала остановки, отбрасывается — это та самая гонка, ради которой
// существует флаг.
func (m *Manager) dispatch(key streamKey, ev Event) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	hs := m.handlers[key]
	m.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}

// watch ждет обрыва потока и запускает цикл переподключения
func (m *Manager) watch(key streamKey, stream Stream, gen uint64) {
	<-stream.Done()

	m.mu.Lock()
	c, ok := m.conns[key]
	if !ok || c.stream != stream || gen != m.gen {
		// закрытие уже обработано (shutdown отцепил поток)
		m.mu.Unlock()
		return
	}
	c.stream = nil
	c.state = StateDisconnected
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.scheduleReconnectLocked(key, c)
	m.mu.Unlock()

	logger.Warn("поток разорван, запланировано переподключение",
		zap.String("symbol", key.symbol), zap.Stringer("kind", key.kind))
}

// scheduleReconnectLocked взводит таймер переподключения; хэндл таймера
// сохраняется, чтобы shutdown мог его отменить. Вызывается под m.mu.
func (m *Manager) scheduleReconnectLocked(key streamKey, c *conn) {
	delay := c.boff.Duration()
	c.state = StateReconnectWait
	gen := m.gen
	c.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		cc, ok := m.conns[key]
		if !ok || m.shuttingDown || gen != m.gen {
			m.mu.Unlock()
			return
		}
		cc.timer = nil
		cc.state = StateDisconnected
		m.mu.Unlock()

		if err := m.Connect(context.Background(), key.symbol, key.kind); err != nil {
			logger.Warn("переподключение не удалось",
				zap.String("symbol", key.symbol), zap.Stringer("kind", key.kind), zap.Error(err))
		}
	})
}

// Shutdown ставит флаг остановки, отменяет все таймеры переподключения,
// отцепляет обработчики закрытия и закрывает открытые подключения.
// Повторный вызов — no-op.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	m.gen++ // отцепляет watch-горутины и висящие таймеры старого поколения

	var open []Stream
	for _, c := range m.conns {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		if c.stream != nil {
			open = append(open, c.stream)
			c.stream = nil
		}
		c.state = StateDisconnected
	}
	m.mu.Unlock()

	for _, s := range open {
		s.Close()
	}

	logger.Info("менеджер подключений остановлен", zap.Int("closed_streams", len(open)))
}

// Resume снимает флаг остановки, позволяя переиспользовать менеджер
// после контролируемого рестарта. Таймеры прошлой сессии уже отменены.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shuttingDown = false
	m.gen++
	for _, c := range m.conns {
		c.boff.Reset()
	}
}

func (m *Manager) ensureLocked(key streamKey) *conn {
	c, ok := m.conns[key]
	if !ok {
		c = &conn{
			state: StateDisconnected,
			boff: &backoff.Backoff{
				Min:    m.delayMin,
				Max:    m.delayMax,
				Factor: 2,
				Jitter: false,
			},
		}
		m.conns[key] = c
	}
	return c
}
