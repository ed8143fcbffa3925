package fusion

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/pkg/models"
)

// Planner рассчитывает ценовые уровни для ненейтральной директивы:
// вход, стоп, тейк и (только для лонга) оптимальную лимитную цену.
type Planner struct {
	params config.PlannerConfig
}

// NewPlanner создает планировщик цен
func NewPlanner(params config.PlannerConfig) *Planner {
	return &Planner{params: params}
}

// Plan строит ценовой план. Для нейтральной директивы плана нет.
// Все уровни округляются до ценовой точности инструмента.
func (p *Planner) Plan(
	directive models.Directive,
	currentPrice float64,
	indicators *models.IndicatorSnapshot,
	depth *models.DepthSnapshot,
	candles []models.Candle,
	book *models.OrderBookSnapshot,
	meta models.SymbolMeta,
) *models.PricePlan {
	if directive == models.Neutral || currentPrice <= 0 {
		return nil
	}

	entry := p.entryPrice(directive, currentPrice, depth)
	stop, take := p.exits(directive, entry, indicators)

	entry = roundPrice(entry, meta.PricePrecision)
	stop = roundPrice(stop, meta.PricePrecision)
	take = roundPrice(take, meta.PricePrecision)
	stop, take = enforceSides(directive, entry, stop, take, meta.PricePrecision)

	plan := &models.PricePlan{
		Entry:      entry,
		StopLoss:   stop,
		TakeProfit: take,
	}

	if directive == models.Long {
		if opt, ok := p.optimalEntry(currentPrice, candles, book); ok {
			rounded := roundPrice(opt, meta.PricePrecision)
			// округление не должно выталкивать цену к текущей
			if rounded < currentPrice {
				plan.OptimalEntry = &rounded
			}
		}
	}

	return plan
}

// entryPrice — цена лучшего встречного касания с поправкой:
// для лонга аск со скидкой, для шорта бид с надбавкой.
// Без данных стакана опорой служит текущая цена.
func (p *Planner) entryPrice(directive models.Directive, currentPrice float64, depth *models.DepthSnapshot) float64 {
	base := currentPrice
	if depth != nil {
		if directive == models.Long && depth.BestAsk > 0 {
			base = depth.BestAsk
		}
		if directive == models.Short && depth.BestBid > 0 {
			base = depth.BestBid
		}
	}
	if directive == models.Long {
		return base * (1 - p.params.EntryOffset)
	}
	return base * (1 + p.params.EntryOffset)
}

// exits — стоп и тейк: по границам волатильности, когда они включены
// и лежат по правильную сторону от входа, иначе по фиксированному
// риску с множителем риск/прибыль. Инвариант: для лонга
// stop < entry < take, для шорта take < entry < stop.
func (p *Planner) exits(directive models.Directive, entry float64, ind *models.IndicatorSnapshot) (stop, take float64) {
	if directive == models.Long {
		stop = entry * (1 - p.params.RiskPercent)
		if p.params.UseBands && ind != nil && ind.BandLower > 0 && ind.BandLower < entry {
			stop = ind.BandLower
		}
		take = entry + (entry-stop)*p.params.RiskReward
		return stop, take
	}

	stop = entry * (1 + p.params.RiskPercent)
	if p.params.UseBands && ind != nil && ind.BandUpper > entry {
		stop = ind.BandUpper
	}
	take = entry - (stop-entry)*p.params.RiskReward
	return stop, take
}

// optimalEntry — взвешенная смесь медианы последних минимумов, VWAP
// за окно и средневзвешенной по ликвидности цены верхних бидов,
// зажатая в коридор скидок от текущей цены. Значение не ниже текущей
// цены считается недоступным.
func (p *Planner) optimalEntry(currentPrice float64, candles []models.Candle, book *models.OrderBookSnapshot) (float64, bool) {
	o := p.params.Optimal

	var sum, weight float64
	if m, ok := medianLows(candles, o.Lookback); ok {
		sum += m * o.WeightLows
		weight += o.WeightLows
	}
	if v, ok := vwap(candles, o.Lookback); ok {
		sum += v * o.WeightVWAP
		weight += o.WeightVWAP
	}
	if b, ok := bidWeightedPrice(book); ok {
		sum += b * o.WeightDepth
		weight += o.WeightDepth
	}
	if weight == 0 {
		return 0, false
	}

	blended := sum / weight

	floor := currentPrice * (1 - o.MaxDiscount)
	ceil := currentPrice * (1 - o.MinDiscount)
	if blended < floor {
		blended = floor
	}
	if blended > ceil {
		blended = ceil
	}

	if blended >= currentPrice {
		return 0, false
	}
	return blended, true
}

func medianLows(candles []models.Candle, lookback int) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	if lookback > 0 && len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}
	lows := make([]float64, len(candles))
	for i, c := range candles {
		lows[i] = c.Low
	}
	sort.Float64s(lows)
	n := len(lows)
	if n%2 == 1 {
		return lows[n/2], true
	}
	return (lows[n/2-1] + lows[n/2]) / 2, true
}

func vwap(candles []models.Candle, lookback int) (float64, bool) {
	if len(candles) == 0 {
		return 0, false
	}
	if lookback > 0 && len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}
	var pv, vol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

func bidWeightedPrice(book *models.OrderBookSnapshot) (float64, bool) {
	if book == nil || len(book.Bids) == 0 {
		return 0, false
	}
	var pq, q float64
	for _, l := range book.Bids {
		pq += l.Price * l.Quantity
		q += l.Quantity
	}
	if q == 0 {
		return 0, false
	}
	return pq / q, true
}

// enforceSides восстанавливает стороны уровней после округления:
// грубая ценовая точность может схлопнуть стоп или тейк со входом.
// Схлопнувшийся уровень отодвигается на один ценовой шаг.
func enforceSides(directive models.Directive, entry, stop, take float64, precision int) (float64, float64) {
	step := math.Pow(10, -float64(precision))
	if directive == models.Long {
		if stop >= entry {
			stop = entry - step
		}
		if take <= entry {
			take = entry + step
		}
		return stop, take
	}
	if stop <= entry {
		stop = entry + step
	}
	if take >= entry {
		take = entry - step
	}
	return stop, take
}

// roundPrice округляет цену до точности инструмента через decimal,
// чтобы не тащить артефакты двоичного float в выдаваемые уровни
func roundPrice(v float64, precision int) float64 {
	return decimal.NewFromFloat(v).Round(int32(precision)).InexactFloat64()
}
