package orderbook

import (
	"errors"
	"math"
	"sort"

	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/pkg/models"
)

// ErrNoDepth сигнализирует об отсутствии среза стакана на текущем цикле
var ErrNoDepth = errors.New("нет данных стакана")

// Analyzer — движок анализа стакана. Работает по паре срезов:
// текущий и предыдущий (на первом цикле предыдущего нет — дельты
// не считаются, остальные метрики доступны).
type Analyzer struct {
	params config.OrderBookParams
}

// NewAnalyzer создает анализатор стакана
func NewAnalyzer(params config.OrderBookParams) *Analyzer {
	return &Analyzer{params: params}
}

// Analyze считает метрики стакана по текущему срезу и дельты
// по отношению к предыдущему
func (a *Analyzer) Analyze(current, previous *models.OrderBookSnapshot) (*models.DepthSnapshot, error) {
	if current == nil || len(current.Bids) == 0 || len(current.Asks) == 0 {
		return nil, ErrNoDepth
	}

	bids := topLevels(current.Bids, a.params.TopLevels)
	asks := topLevels(current.Asks, a.params.TopLevels)

	snap := &models.DepthSnapshot{
		BestBid: bids[0].Price,
		BestAsk: asks[0].Price,
	}
	snap.Spread = snap.BestAsk - snap.BestBid
	snap.MidPrice = (snap.BestAsk + snap.BestBid) / 2

	for _, l := range bids {
		snap.BidVolume += l.Quantity
	}
	for _, l := range asks {
		snap.AskVolume += l.Quantity
	}
	snap.Imbalance = imbalance(snap.BidVolume, snap.AskVolume)

	snap.Supports = clusters(bids, snap.BidVolume, a.params)
	snap.Resistances = clusters(asks, snap.AskVolume, a.params)

	snap.BidWalls = walls(bids, a.params.WallMultiplier)
	snap.AskWalls = walls(asks, a.params.WallMultiplier)

	if previous != nil {
		prevBids := topLevels(previous.Bids, a.params.TopLevels)
		prevAsks := topLevels(previous.Asks, a.params.TopLevels)
		bidDelta, bidMag := volumeDelta(bids, prevBids, a.params.PriceTolerance)
		askDelta, askMag := volumeDelta(asks, prevAsks, a.params.PriceTolerance)

		// рост бидов и уход асков — давление вверх, и наоборот
		snap.NetVolumeChange = bidDelta - askDelta
		snap.Pressure = classifyPressure(snap.NetVolumeChange, bidMag+askMag, a.params)
	}

	snap.Bias = a.composite(snap)

	return snap, nil
}

// imbalance — отношение объема бидов к объему асков.
// Оба нулевые — 0; только аски нулевые — +Inf как маркер
// неограниченного перевеса покупателей.
func imbalance(bidVolume, askVolume float64) float64 {
	if askVolume == 0 {
		if bidVolume == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return bidVolume / askVolume
}

// topLevels возвращает не больше k верхних уровней стороны
func topLevels(levels []models.OrderBookLevel, k int) []models.OrderBookLevel {
	if k > 0 && len(levels) > k {
		return levels[:k]
	}
	return levels
}

// clusters сливает соседние по цене уровни в кластеры ликвидности.
// Уровни уже отсортированы от лучшей цены, поэтому достаточно
// одного прохода: уровень присоединяется к текущему кластеру, пока
// относительное расстояние до предыдущей цены не превышает порог.
// Остаются кластеры с долей объема не ниже минимальной, отсортированные
// по объему по убыванию.
func clusters(levels []models.OrderBookLevel, totalVolume float64, p config.OrderBookParams) []models.LiquidityCluster {
	if len(levels) == 0 || totalVolume <= 0 {
		return nil
	}

	var out []models.LiquidityCluster
	cur := models.LiquidityCluster{
		PriceLow:  levels[0].Price,
		PriceHigh: levels[0].Price,
		Volume:    levels[0].Quantity,
	}
	prevPrice := levels[0].Price

	flush := func() {
		if cur.Volume >= totalVolume*p.ClusterMinShare {
			if cur.PriceLow > cur.PriceHigh {
				cur.PriceLow, cur.PriceHigh = cur.PriceHigh, cur.PriceLow
			}
			out = append(out, cur)
		}
	}

	for _, l := range levels[1:] {
		dist := math.Abs(l.Price-prevPrice) / prevPrice
		if dist <= p.ClusterDistance {
			cur.Volume += l.Quantity
			if l.Price < cur.PriceLow {
				cur.PriceLow = l.Price
			}
			if l.Price > cur.PriceHigh {
				cur.PriceHigh = l.Price
			}
		} else {
			flush()
			cur = models.LiquidityCluster{PriceLow: l.Price, PriceHigh: l.Price, Volume: l.Quantity}
		}
		prevPrice = l.Price
	}
	flush()

	sort.Slice(out, func(i, j int) bool { return out[i].Volume > out[j].Volume })
	return out
}

// walls находит уровни с объемом, кратно превышающим средний по стороне
func walls(levels []models.OrderBookLevel, multiplier float64) []models.OrderBookLevel {
	if len(levels) == 0 {
		return nil
	}
	var total float64
	for _, l := range levels {
		total += l.Quantity
	}
	avg := total / float64(len(levels))
	if avg <= 0 {
		return nil
	}

	var out []models.OrderBookLevel
	for _, l := range levels {
		if l.Quantity > avg*multiplier {
			out = append(out, l)
		}
	}
	return out
}

// volumeDelta сопоставляет уровни двух срезов по допуску цены и
// возвращает суммарное изменение объема и суммарную величину изменений.
// Точное сравнение float по цене ненадежно, поэтому совпадением
// считается относительное расхождение в пределах tolerance; уровень
// без пары трактуется как появившийся объем.
func volumeDelta(current, previous []models.OrderBookLevel, tolerance float64) (net, magnitude float64) {
	for _, c := range current {
		matched := false
		for _, p := range previous {
			if math.Abs(c.Price-p.Price)/p.Price <= tolerance {
				d := c.Quantity - p.Quantity
				net += d
				magnitude += math.Abs(d)
				matched = true
				break
			}
		}
		if !matched {
			net += c.Quantity
			magnitude += c.Quantity
		}
	}
	return net, magnitude
}

// classifyPressure сравнивает чистое изменение объема со средней
// величиной изменений обеих сторон
func classifyPressure(net, magnitude float64, p config.OrderBookParams) models.DepthPressure {
	if magnitude <= 0 {
		return models.PressureNeutral
	}
	avg := magnitude / 2
	ratio := net / avg
	switch {
	case ratio >= p.PressureStrong:
		return models.PressureStrongUp
	case ratio >= p.PressureModest:
		return models.PressureUp
	case ratio <= -p.PressureStrong:
		return models.PressureStrongDown
	case ratio <= -p.PressureModest:
		return models.PressureDown
	default:
		return models.PressureNeutral
	}
}

// composite — каскад правил стакана. Порядок строгий: более сильные
// правила выше и перекрывают слабые.
func (a *Analyzer) composite(s *models.DepthSnapshot) models.DepthBias {
	// сильный дисбаланс + кластер ликвидности на стороне сигнала
	if s.Imbalance >= a.params.ImbalanceLong && len(s.Supports) > 0 {
		return models.DepthBias{Direction: 1, Strength: 3}
	}
	if s.AskVolume > 0 && s.Imbalance <= a.params.ImbalanceShort && len(s.Resistances) > 0 {
		return models.DepthBias{Direction: -1, Strength: 3}
	}

	// направленное давление объемов между срезами
	switch s.Pressure {
	case models.PressureStrongUp, models.PressureUp:
		return models.DepthBias{Direction: 1, Strength: 2}
	case models.PressureStrongDown, models.PressureDown:
		return models.DepthBias{Direction: -1, Strength: 2}
	}

	// асимметрия стен — слабый сигнал
	if len(s.BidWalls) > len(s.AskWalls) {
		return models.DepthBias{Direction: 1, Strength: 1}
	}
	if len(s.AskWalls) > len(s.BidWalls) {
		return models.DepthBias{Direction: -1, Strength: 1}
	}

	return models.DepthBias{}
}
