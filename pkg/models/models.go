package models

import (
	"time"
)

// Candle представляет свечу
type Candle struct {
	Symbol   string
	Interval string
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Body возвращает относительный размер тела свечи
func (c Candle) Body() float64 {
	if c.Open == 0 {
		return 0
	}
	body := c.Close - c.Open
	if body < 0 {
		body = -body
	}
	return body / c.Open
}

// Bullish сообщает, закрылась ли свеча выше открытия
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish сообщает, закрылась ли свеча ниже открытия
func (c Candle) Bearish() bool { return c.Close < c.Open }

// OrderBookLevel представляет уровень стакана
type OrderBookLevel struct {
	Price    float64
	Quantity float64
}

// OrderBookSnapshot представляет срез стакана заявок.
// Биды отсортированы по убыванию цены, аски — по возрастанию.
type OrderBookSnapshot struct {
	Symbol     string
	Bids       []OrderBookLevel
	Asks       []OrderBookLevel
	CapturedAt time.Time
}

// Directive — дискретная торговая рекомендация
type Directive int

const (
	Neutral Directive = iota
	Long
	Short
)

// String возвращает текстовое представление директивы
func (d Directive) String() string {
	switch d {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "NEUTRAL"
	}
}

// PricePlan — расчетные ценовые уровни для ненейтральной директивы
type PricePlan struct {
	Entry        float64
	OptimalEntry *float64
	StopLoss     float64
	TakeProfit   float64
}

// TrendClass — классификация краткосрочного ценового тренда
type TrendClass int

const (
	TrendFlat TrendClass = iota
	TrendUp
	TrendDown
)

// IndicatorSnapshot — результат работы индикаторного движка за цикл
type IndicatorSnapshot struct {
	EMAFast    float64
	EMAMedium  float64
	EMASlow    float64
	VolumeEMA  float64
	Oscillator float64
	BandUpper  float64
	BandMiddle float64
	BandLower  float64

	CrossBullish  bool
	CrossBearish  bool
	BuyPressure   bool
	SellPressure  bool
	VolumeSpike   bool
	TrendUp       bool
	TrendDown     bool
	Overbought    bool
	Oversold      bool
	NearUpperBand bool
	NearLowerBand bool
	ShortTrend    TrendClass
}

// LiquidityCluster — слитые соседние уровни с существенным объемом
type LiquidityCluster struct {
	PriceLow  float64
	PriceHigh float64
	Volume    float64
}

// DepthPressure — направление изменения объемов между срезами стакана
type DepthPressure int

const (
	PressureNeutral DepthPressure = iota
	PressureUp
	PressureStrongUp
	PressureDown
	PressureStrongDown
)

// DepthBias — композитный сигнал стакана: направление и сила
type DepthBias struct {
	// Direction: +1 лонг, -1 шорт, 0 нейтрально
	Direction int
	// Strength: 3 сильный, 2 умеренный, 1 слабый, 0 нет сигнала
	Strength int
}

// DepthSnapshot — результат работы движка стакана за цикл
type DepthSnapshot struct {
	Spread      float64
	MidPrice    float64
	BestBid     float64
	BestAsk     float64
	BidVolume   float64
	AskVolume   float64
	Imbalance   float64
	Supports    []LiquidityCluster
	Resistances []LiquidityCluster
	BidWalls    []OrderBookLevel
	AskWalls    []OrderBookLevel

	NetVolumeChange float64
	Pressure        DepthPressure
	Bias            DepthBias
}

// AnalysisResult — итог анализа инструмента за один цикл
type AnalysisResult struct {
	Symbol       string
	CurrentPrice float64
	Directive    Directive
	RuleName     string
	Indicators   *IndicatorSnapshot
	Depth        *DepthSnapshot
	Plan         *PricePlan
	Advisory     []string
	Timestamp    time.Time
}

// SymbolMeta — торговые правила инструмента с биржи
type SymbolMeta struct {
	Symbol            string
	PricePrecision    int
	QuantityPrecision int
}
