package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/skalibog/bmse/internal/connmgr"
	"github.com/skalibog/bmse/pkg/logger"
	"github.com/skalibog/bmse/pkg/models"
	"go.uber.org/zap"
)

// StreamOpener реализует connmgr.Opener поверх потоков Binance futures.
// Для менеджера транспорт непрозрачен: только события и Close/Done.
type StreamOpener struct {
	client      *Client
	interval    string
	depthLevels int
	keepalive   time.Duration
}

// NewStreamOpener создает фабрику потоковых подключений
func NewStreamOpener(client *Client, interval string, depthLevels int, keepalive time.Duration) *StreamOpener {
	return &StreamOpener{
		client:      client,
		interval:    interval,
		depthLevels: depthLevels,
		keepalive:   keepalive,
	}
}

// wsStream оборачивает пару doneC/stopC библиотечного потока
type wsStream struct {
	once  sync.Once
	stopC chan struct{}
	doneC chan struct{}
	extra func() // дополнительная очистка (listen key)
}

func (s *wsStream) Close() {
	s.once.Do(func() {
		close(s.stopC)
		if s.extra != nil {
			s.extra()
		}
	})
}

func (s *wsStream) Done() <-chan struct{} { return s.doneC }

// Open открывает поток нужного вида
func (o *StreamOpener) Open(ctx context.Context, symbol string, kind connmgr.StreamKind, onEvent func(connmgr.Event)) (connmgr.Stream, error) {
	switch kind {
	case connmgr.KindCandles:
		return o.openKlines(symbol, onEvent)
	case connmgr.KindDepth:
		return o.openDepth(symbol, onEvent)
	case connmgr.KindUserData:
		return o.openUserData(ctx, onEvent)
	default:
		return nil, fmt.Errorf("неизвестный вид потока: %v", kind)
	}
}

func (o *StreamOpener) openKlines(symbol string, onEvent func(connmgr.Event)) (connmgr.Stream, error) {
	handler := func(event *futures.WsKlineEvent) {
		k := event.Kline
		open, err1 := strconv.ParseFloat(k.Open, 64)
		high, err2 := strconv.ParseFloat(k.High, 64)
		low, err3 := strconv.ParseFloat(k.Low, 64)
		cls, err4 := strconv.ParseFloat(k.Close, 64)
		vol, err5 := strconv.ParseFloat(k.Volume, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			logger.Warn("битое свечное событие", zap.String("symbol", event.Symbol))
			return
		}

		onEvent(connmgr.Event{
			Symbol: event.Symbol,
			Kind:   connmgr.KindCandles,
			Candle: &models.Candle{
				Symbol:   event.Symbol,
				Interval: k.Interval,
				OpenTime: time.UnixMilli(k.StartTime),
				Open:     open,
				High:     high,
				Low:      low,
				Close:    cls,
				Volume:   vol,
			},
			CandleClosed: k.IsFinal,
		})
	}

	errHandler := func(err error) {
		logger.Warn("ошибка свечного потока", zap.String("symbol", symbol), zap.Error(err))
	}

	doneC, stopC, err := futures.WsKlineServe(symbol, o.interval, handler, errHandler)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия свечного потока: %w", err)
	}

	return &wsStream{stopC: stopC, doneC: doneC}, nil
}

func (o *StreamOpener) openDepth(symbol string, onEvent func(connmgr.Event)) (connmgr.Stream, error) {
	handler := func(event *futures.WsDepthEvent) {
		snap := &models.OrderBookSnapshot{
			Symbol:     event.Symbol,
			CapturedAt: time.Now(),
			Bids:       make([]models.OrderBookLevel, 0, len(event.Bids)),
			Asks:       make([]models.OrderBookLevel, 0, len(event.Asks)),
		}
		for _, b := range event.Bids {
			price, err1 := strconv.ParseFloat(b.Price, 64)
			qty, err2 := strconv.ParseFloat(b.Quantity, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			snap.Bids = append(snap.Bids, models.OrderBookLevel{Price: price, Quantity: qty})
		}
		for _, a := range event.Asks {
			price, err1 := strconv.ParseFloat(a.Price, 64)
			qty, err2 := strconv.ParseFloat(a.Quantity, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			snap.Asks = append(snap.Asks, models.OrderBookLevel{Price: price, Quantity: qty})
		}

		onEvent(connmgr.Event{
			Symbol: event.Symbol,
			Kind:   connmgr.KindDepth,
			Depth:  snap,
		})
	}

	errHandler := func(err error) {
		logger.Warn("ошибка потока стакана", zap.String("symbol", symbol), zap.Error(err))
	}

	doneC, stopC, err := futures.WsPartialDepthServe(symbol, o.depthLevels, handler, errHandler)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия потока стакана: %w", err)
	}

	return &wsStream{stopC: stopC, doneC: doneC}, nil
}

// openUserData открывает приватный поток: listen key создается и
// продлевается через очередь запросов, закрывается при остановке потока.
func (o *StreamOpener) openUserData(ctx context.Context, onEvent func(connmgr.Event)) (connmgr.Stream, error) {
	listenKey, err := o.client.StartUserStream(ctx)
	if err != nil {
		return nil, err
	}

	handler := func(event *futures.WsUserDataEvent) {
		onEvent(connmgr.Event{Kind: connmgr.KindUserData})
	}
	errHandler := func(err error) {
		logger.Warn("ошибка приватного потока", zap.Error(err))
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		// ключ уже создан — закрываем, чтобы не оставлять живую сессию
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := o.client.CloseUserStream(closeCtx, listenKey); cerr != nil {
			logger.Warn("не удалось закрыть listen key", zap.Error(cerr))
		}
		return nil, fmt.Errorf("ошибка открытия приватного потока: %w", err)
	}

	stopKeepalive := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				kaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := o.client.KeepaliveUserStream(kaCtx, listenKey); err != nil {
					logger.Warn("не удалось продлить listen key", zap.Error(err))
				}
				cancel()
			case <-stopKeepalive:
				return
			case <-doneC:
				return
			}
		}
	}()

	return &wsStream{
		stopC: stopC,
		doneC: doneC,
		extra: func() {
			close(stopKeepalive)
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.client.CloseUserStream(closeCtx, listenKey); err != nil {
				logger.Warn("не удалось закрыть listen key", zap.Error(err))
			}
		},
	}, nil
}
