package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/internal/queue"
	"github.com/skalibog/bmse/pkg/models"
)

// Веса REST-запросов для очереди (ориентированы на лимиты Binance futures)
const (
	weightKlines       = 5
	weightDepth        = 10
	weightExchangeInfo = 1
	weightPremiumIndex = 1
	weightListenKey    = 1
)

// Client — клиент биржи. Все исходящие REST-вызовы идут через очередь
// запросов, напрямую — никогда.
type Client struct {
	futures *futures.Client
	queue   *queue.Queue
}

// NewClient создает клиент Binance futures
func NewClient(cfg config.BinanceConfig, q *queue.Queue) (*Client, error) {
	futures.UseTestnet = cfg.Testnet
	futuresClient := futures.NewClient(cfg.APIKey, cfg.APISecret)

	return &Client{
		futures: futuresClient,
		queue:   q,
	}, nil
}

// GetKlines получает исторические свечи
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	v, err := c.queue.Do(ctx, weightKlines, func(ctx context.Context) (any, error) {
		return c.futures.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей: %w", err)
	}

	klines := v.([]*futures.Kline)
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		open, err1 := strconv.ParseFloat(k.Open, 64)
		high, err2 := strconv.ParseFloat(k.High, 64)
		low, err3 := strconv.ParseFloat(k.Low, 64)
		cls, err4 := strconv.ParseFloat(k.Close, 64)
		vol, err5 := strconv.ParseFloat(k.Volume, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		candles = append(candles, models.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    cls,
			Volume:   vol,
		})
	}

	return candles, nil
}

// GetOrderBook получает срез стакана заявок
func (c *Client) GetOrderBook(ctx context.Context, symbol string, limit int) (*models.OrderBookSnapshot, error) {
	v, err := c.queue.Do(ctx, weightDepth, func(ctx context.Context) (any, error) {
		return c.futures.NewDepthService().
			Symbol(symbol).
			Limit(limit).
			Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения стакана: %w", err)
	}

	ob := v.(*futures.DepthResponse)
	snap := &models.OrderBookSnapshot{
		Symbol:     symbol,
		CapturedAt: time.Now(),
		Bids:       make([]models.OrderBookLevel, 0, len(ob.Bids)),
		Asks:       make([]models.OrderBookLevel, 0, len(ob.Asks)),
	}

	for _, bid := range ob.Bids {
		price, err1 := strconv.ParseFloat(bid.Price, 64)
		qty, err2 := strconv.ParseFloat(bid.Quantity, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		snap.Bids = append(snap.Bids, models.OrderBookLevel{Price: price, Quantity: qty})
	}
	for _, ask := range ob.Asks {
		price, err1 := strconv.ParseFloat(ask.Price, 64)
		qty, err2 := strconv.ParseFloat(ask.Quantity, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		snap.Asks = append(snap.Asks, models.OrderBookLevel{Price: price, Quantity: qty})
	}

	return snap, nil
}

// GetExchangeMeta получает торговые правила всех инструментов.
// Ошибка здесь фатальна для запуска — без метаданных движок не работает.
func (c *Client) GetExchangeMeta(ctx context.Context) (map[string]models.SymbolMeta, error) {
	v, err := c.queue.Do(ctx, weightExchangeInfo, func(ctx context.Context) (any, error) {
		return c.futures.NewExchangeInfoService().Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения метаданных биржи: %w", err)
	}

	info := v.(*futures.ExchangeInfo)
	meta := make(map[string]models.SymbolMeta, len(info.Symbols))
	for _, s := range info.Symbols {
		meta[s.Symbol] = models.SymbolMeta{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
	}

	return meta, nil
}

// GetFundingRate получает текущую ставку финансирования
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	v, err := c.queue.Do(ctx, weightPremiumIndex, func(ctx context.Context) (any, error) {
		return c.futures.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка получения ставки финансирования: %w", err)
	}

	rates := v.([]*futures.PremiumIndex)
	if len(rates) == 0 {
		return 0, fmt.Errorf("не найдены данные о ставке финансирования для %s", symbol)
	}

	rate, err := strconv.ParseFloat(rates[0].LastFundingRate, 64)
	if err != nil {
		return 0, fmt.Errorf("ошибка разбора ставки финансирования: %w", err)
	}

	return rate, nil
}

// StartUserStream создает listen key приватного потока
func (c *Client) StartUserStream(ctx context.Context) (string, error) {
	v, err := c.queue.Do(ctx, weightListenKey, func(ctx context.Context) (any, error) {
		return c.futures.NewStartUserStreamService().Do(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("ошибка создания listen key: %w", err)
	}
	return v.(string), nil
}

// KeepaliveUserStream продлевает listen key
func (c *Client) KeepaliveUserStream(ctx context.Context, listenKey string) error {
	_, err := c.queue.Do(ctx, weightListenKey, func(ctx context.Context) (any, error) {
		return nil, c.futures.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("ошибка продления listen key: %w", err)
	}
	return nil
}

// CloseUserStream закрывает listen key. Вызывается при остановке,
// чтобы не бросать живую сессию на стороне биржи.
func (c *Client) CloseUserStream(ctx context.Context, listenKey string) error {
	_, err := c.queue.Do(ctx, weightListenKey, func(ctx context.Context) (any, error) {
		return nil, c.futures.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("ошибка закрытия listen key: %w", err)
	}
	return nil
}
