package market

import (
	"sync"
	"time"

	"github.com/skalibog/bmse/pkg/models"
)

// InstrumentState — рыночное состояние одного инструмента: ограниченный
// буфер свечей и текущий/предыдущий срез стакана. Создается на старте и
// живет весь процесс; только перезаписывается, никогда не удаляется.
type InstrumentState struct {
	mu       sync.RWMutex
	symbol   string
	capacity int

	candles   []models.Candle
	lastFinal bool
	depth     *models.OrderBookSnapshot
	prevDepth *models.OrderBookSnapshot

	lastAnalyzed time.Time
}

// Store владеет состояниями всех сконфигурированных инструментов
type Store struct {
	instruments map[string]*InstrumentState
}

// NewStore создает состояния для всех инструментов
func NewStore(symbols []string, capacity int) *Store {
	s := &Store{instruments: make(map[string]*InstrumentState, len(symbols))}
	for _, sym := range symbols {
		s.instruments[sym] = &InstrumentState{symbol: sym, capacity: capacity}
	}
	return s
}

// Instrument возвращает состояние инструмента или nil для незнакомого символа
func (s *Store) Instrument(symbol string) *InstrumentState {
	return s.instruments[symbol]
}

// Symbols возвращает список инструментов
func (s *Store) Symbols() []string {
	out := make([]string, 0, len(s.instruments))
	for sym := range s.instruments {
		out = append(out, sym)
	}
	return out
}

// SeedCandles загружает начальную историю (REST-снимок). Берутся
// последние capacity свечей, буфер замещается целиком.
func (st *InstrumentState) SeedCandles(candles []models.Candle) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(candles) > st.capacity {
		candles = candles[len(candles)-st.capacity:]
	}
	st.candles = append(st.candles[:0], candles...)
	// историческая выгрузка содержит только закрытые периоды
	st.lastFinal = true
}

// ApplyCandle применяет свечное событие. Обновления незакрытой свечи
// перезаписывают последнюю запись на месте и не растят буфер; новая
// свеча добавляется с FIFO-вытеснением по достижении емкости.
// События со старым openTime отбрасываются (гарантия строгого роста),
// как и незакрытое обновление уже финализированного периода.
func (st *InstrumentState) ApplyCandle(c models.Candle, closed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	n := len(st.candles)
	if n > 0 {
		last := st.candles[n-1]
		if c.OpenTime.Equal(last.OpenTime) {
			if st.lastFinal && !closed {
				// запоздавшее промежуточное обновление периода,
				// который уже закрыт, не перетирает итоговую свечу
				return
			}
			st.candles[n-1] = c
			st.lastFinal = closed
			return
		}
		if c.OpenTime.Before(last.OpenTime) {
			return
		}
	}

	st.candles = append(st.candles, c)
	st.lastFinal = closed
	if len(st.candles) > st.capacity {
		st.candles = st.candles[len(st.candles)-st.capacity:]
	}
}

// ApplyDepth атомарно сдвигает текущий срез в предыдущий и ставит новый.
// Истории глубже одного шага назад не существует.
func (st *InstrumentState) ApplyDepth(snap *models.OrderBookSnapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.prevDepth = st.depth
	st.depth = snap
}

// SnapshotCandles возвращает копию буфера свечей. Аналитический цикл
// снимает копию в начале вычисления и не перечитывает буфер по ходу.
func (st *InstrumentState) SnapshotCandles() []models.Candle {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]models.Candle, len(st.candles))
	copy(out, st.candles)
	return out
}

// SnapshotDepth возвращает копии текущего и предыдущего срезов стакана.
// Предыдущий может быть nil на первом цикле.
func (st *InstrumentState) SnapshotDepth() (cur, prev *models.OrderBookSnapshot) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return copySnapshot(st.depth), copySnapshot(st.prevDepth)
}

// MarkAnalyzed запоминает время последнего завершенного анализа
func (st *InstrumentState) MarkAnalyzed(t time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastAnalyzed = t
}

// LastAnalyzed возвращает время последнего завершенного анализа
func (st *InstrumentState) LastAnalyzed() time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastAnalyzed
}

// Len возвращает текущую длину буфера свечей
func (st *InstrumentState) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.candles)
}

func copySnapshot(s *models.OrderBookSnapshot) *models.OrderBookSnapshot {
	if s == nil {
		return nil
	}
	out := &models.OrderBookSnapshot{
		Symbol:     s.Symbol,
		CapturedAt: s.CapturedAt,
		Bids:       make([]models.OrderBookLevel, len(s.Bids)),
		Asks:       make([]models.OrderBookLevel, len(s.Asks)),
	}
	copy(out.Bids, s.Bids)
	copy(out.Asks, s.Asks)
	return out
}
