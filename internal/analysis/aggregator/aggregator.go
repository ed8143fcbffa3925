package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skalibog/bmse/internal/analysis/fusion"
	"github.com/skalibog/bmse/internal/analysis/orderbook"
	"github.com/skalibog/bmse/internal/analysis/technical"
	"github.com/skalibog/bmse/internal/market"
	"github.com/skalibog/bmse/pkg/logger"
	"github.com/skalibog/bmse/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IndicatorEngine считает индикаторы по буферу свечей
type IndicatorEngine interface {
	Analyze(candles []models.Candle) (*models.IndicatorSnapshot, error)
}

// DepthEngine считает метрики стакана по паре срезов
type DepthEngine interface {
	Analyze(current, previous *models.OrderBookSnapshot) (*models.DepthSnapshot, error)
}

// SignalEngine сводит сигналы в директиву
type SignalEngine interface {
	Evaluate(in fusion.Input) (models.Directive, string)
}

// PricePlanner строит ценовой план для ненейтральной директивы
type PricePlanner interface {
	Plan(
		directive models.Directive,
		currentPrice float64,
		indicators *models.IndicatorSnapshot,
		depth *models.DepthSnapshot,
		candles []models.Candle,
		book *models.OrderBookSnapshot,
		meta models.SymbolMeta,
	) *models.PricePlan
}

// FundingAdvisor помечает аномальные ставки финансирования
type FundingAdvisor interface {
	Enabled() bool
	Advise(ctx context.Context, symbol string) (string, error)
}

// Aggregator прогоняет полный аналитический цикл по всем инструментам.
// Ошибки одного инструмента не валят цикл: недостаток данных — молчаливый
// пропуск, ошибка вычисления — запись в лог и пропуск.
type Aggregator struct {
	store      *market.Store
	indicators IndicatorEngine
	depth      DepthEngine
	signals    SignalEngine
	planner    PricePlanner
	advisor    FundingAdvisor
	meta       map[string]models.SymbolMeta
}

// New создает агрегатор анализа
func New(
	store *market.Store,
	indicators IndicatorEngine,
	depth DepthEngine,
	signals SignalEngine,
	planner PricePlanner,
	advisor FundingAdvisor,
	meta map[string]models.SymbolMeta,
) *Aggregator {
	return &Aggregator{
		store:      store,
		indicators: indicators,
		depth:      depth,
		signals:    signals,
		planner:    planner,
		advisor:    advisor,
		meta:       meta,
	}
}

// RunCycle анализирует все инструменты параллельно и возвращает
// результаты завершившихся. Инструменты без результата (мало данных,
// ошибка вычисления) в выдачу не попадают.
func (a *Aggregator) RunCycle(ctx context.Context) []*models.AnalysisResult {
	symbols := a.store.Symbols()

	var mu sync.Mutex
	results := make([]*models.AnalysisResult, 0, len(symbols))

	g, ctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			res, err := a.analyzeSafe(ctx, symbol)
			if err != nil {
				logger.Error("ошибка анализа инструмента",
					zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			if res == nil {
				return nil
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// analyzeSafe перехватывает панику на границе инструмента:
// кривые данные одного символа не должны ронять весь цикл
func (a *Aggregator) analyzeSafe(ctx context.Context, symbol string) (res *models.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("паника при анализе %s: %v", symbol, r)
		}
	}()
	return a.analyze(ctx, symbol)
}

func (a *Aggregator) analyze(ctx context.Context, symbol string) (*models.AnalysisResult, error) {
	st := a.store.Instrument(symbol)
	if st == nil {
		return nil, fmt.Errorf("неизвестный инструмент %s", symbol)
	}

	// копии состояния снимаются один раз в начале вычисления
	candles := st.SnapshotCandles()
	curBook, prevBook := st.SnapshotDepth()

	indicators, err := a.indicators.Analyze(candles)
	if err != nil {
		if errors.Is(err, technical.ErrInsufficientData) {
			// нормальная ситуация на прогреве — не ошибка
			logger.Debug("недостаточно свечей, цикл пропущен", zap.String("symbol", symbol))
			return nil, nil
		}
		return nil, err
	}

	var depthSnap *models.DepthSnapshot
	if curBook != nil {
		depthSnap, err = a.depth.Analyze(curBook, prevBook)
		if err != nil && !errors.Is(err, orderbook.ErrNoDepth) {
			// слияние переживает отсутствие стакана, дальше без него
			logger.Warn("ошибка анализа стакана", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	currentPrice := candles[len(candles)-1].Close
	directive, rule := a.signals.Evaluate(fusion.Input{Indicators: indicators, Depth: depthSnap})

	var plan *models.PricePlan
	if directive != models.Neutral {
		plan = a.planner.Plan(directive, currentPrice, indicators, depthSnap, candles, curBook, a.meta[symbol])
	}

	var advisory []string
	if a.advisor != nil && a.advisor.Enabled() {
		msg, aerr := a.advisor.Advise(ctx, symbol)
		if aerr != nil {
			logger.Warn("фандинг-надзор недоступен", zap.String("symbol", symbol), zap.Error(aerr))
		} else if msg != "" {
			advisory = append(advisory, msg)
		}
	}

	now := time.Now()
	st.MarkAnalyzed(now)

	return &models.AnalysisResult{
		Symbol:       symbol,
		CurrentPrice: currentPrice,
		Directive:    directive,
		RuleName:     rule,
		Indicators:   indicators,
		Depth:        depthSnap,
		Plan:         plan,
		Advisory:     advisory,
		Timestamp:    now,
	}, nil
}
