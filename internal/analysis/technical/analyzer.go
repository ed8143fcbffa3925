package technical

import (
	"errors"
	"math"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/pkg/models"
)

// ErrInsufficientData сигнализирует, что буфер короче минимума для
// самого медленного индикатора. Для вызывающего это «нет сигнала»
// на текущем цикле, не фатальная ошибка.
var ErrInsufficientData = errors.New("недостаточно данных для расчета индикаторов")

// Analyzer — индикаторный движок одного таймфрейма. Состояния между
// циклами не хранит: все индикаторы считаются по всему буферу заново.
type Analyzer struct {
	params config.IndicatorParams
}

// NewAnalyzer создает индикаторный движок
func NewAnalyzer(params config.IndicatorParams) *Analyzer {
	return &Analyzer{params: params}
}

// MinCandles возвращает минимальную длину буфера для корректного расчета.
// +3 сверх самого медленного периода — запас под трехточечное
// подтверждение пересечения.
func (a *Analyzer) MinCandles() int {
	slowest := a.params.EMASlow
	for _, p := range []int{a.params.EMAMedium, a.params.EMAFast, a.params.OscPeriod, a.params.BandPeriod, a.params.VolumeEMA} {
		if p > slowest {
			slowest = p
		}
	}
	return slowest + 3
}

// Analyze считает индикаторы и производные условия по буферу свечей
func (a *Analyzer) Analyze(candles []models.Candle) (*models.IndicatorSnapshot, error) {
	if len(candles) < a.MinCandles() {
		return nil, ErrInsufficientData
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	emaFast := talib.Ema(closes, a.params.EMAFast)
	emaMedium := talib.Ema(closes, a.params.EMAMedium)
	emaSlow := talib.Ema(closes, a.params.EMASlow)
	volumeEMA := talib.Ema(volumes, a.params.VolumeEMA)
	osc := talib.Rsi(closes, a.params.OscPeriod)
	upper, middle, lower := talib.BBands(closes, a.params.BandPeriod, a.params.BandStdDev, a.params.BandStdDev, 0)

	n := len(closes)
	snap := &models.IndicatorSnapshot{
		EMAFast:    emaFast[n-1],
		EMAMedium:  emaMedium[n-1],
		EMASlow:    emaSlow[n-1],
		VolumeEMA:  volumeEMA[n-1],
		Oscillator: osc[n-1],
		BandUpper:  upper[n-1],
		BandMiddle: middle[n-1],
		BandLower:  lower[n-1],
	}

	if hasBadValues(snap.EMAFast, snap.EMAMedium, snap.EMASlow, snap.Oscillator, snap.BandUpper, snap.BandLower) {
		return nil, errors.New("некорректные значения индикаторов (NaN/Inf)")
	}

	snap.CrossBullish = crossUp(emaFast, emaMedium)
	snap.CrossBearish = crossUp(emaMedium, emaFast)

	snap.BuyPressure = pressure(candles, a.params, true)
	snap.SellPressure = pressure(candles, a.params, false)

	snap.VolumeSpike = volumeSpike(volumes, volumeEMA, a.params)

	snap.TrendUp = trendConfirmed(closes, emaSlow, a.params, true)
	snap.TrendDown = trendConfirmed(closes, emaSlow, a.params, false)

	snap.Overbought = snap.Oscillator > a.params.Overbought
	snap.Oversold = snap.Oscillator < a.params.Oversold

	lastClose := closes[n-1]
	snap.NearUpperBand = nearLevel(lastClose, snap.BandUpper, a.params.BandProximity)
	snap.NearLowerBand = nearLevel(lastClose, snap.BandLower, a.params.BandProximity)

	snap.ShortTrend = shortTrend(closes, a.params)

	return snap, nil
}

// crossUp — подтвержденное пересечение: fast обязан быть не выше slow
// в двух предыдущих точках и строго выше в текущей. Одноточечное
// пересечение без подтверждения не считается.
func crossUp(fast, slow []float64) bool {
	n := len(fast)
	if n < 3 || len(slow) < 3 {
		return false
	}
	return fast[n-3] <= slow[n-3] &&
		fast[n-2] <= slow[n-2] &&
		fast[n-1] > slow[n-1]
}

// pressure — давление покупок/продаж: квалифицированное большинство
// свечей окна закрывается телом нужного направления И на эти свечи
// приходится большинство объема окна.
func pressure(candles []models.Candle, p config.IndicatorParams, bullish bool) bool {
	lookback := p.PressureLookback
	if len(candles) < lookback || lookback == 0 {
		return false
	}

	window := candles[len(candles)-lookback:]
	matched := 0
	var matchedVolume, totalVolume float64

	for _, c := range window {
		totalVolume += c.Volume
		directional := c.Bullish()
		if !bullish {
			directional = c.Bearish()
		}
		if directional && c.Body() >= p.PressureBodyMin {
			matched++
			matchedVolume += c.Volume
		}
	}

	if float64(matched)/float64(lookback) < p.PressureCandleShare {
		return false
	}
	if totalVolume == 0 {
		return false
	}
	return matchedVolume/totalVolume >= p.PressureVolumeShare
}

// volumeSpike — последний объем превышает и свою EMA, и простую
// скользящую среднюю, каждую со своим множителем
func volumeSpike(volumes, volumeEMA []float64, p config.IndicatorParams) bool {
	n := len(volumes)
	sma := talib.Sma(volumes, p.VolumeEMA)

	last := volumes[n-1]
	lastEMA := volumeEMA[n-1]
	lastSMA := sma[n-1]
	if lastEMA <= 0 || lastSMA <= 0 {
		return false
	}
	return last > lastEMA*p.VolumeSpikeEMA && last > lastSMA*p.VolumeSpikeSMA
}

// trendConfirmed — не меньше TrendMinCount из TrendLookback последних
// закрытий по нужную сторону от медленной средней
func trendConfirmed(closes, emaSlow []float64, p config.IndicatorParams, up bool) bool {
	n := len(closes)
	if n < p.TrendLookback {
		return false
	}
	count := 0
	for i := n - p.TrendLookback; i < n; i++ {
		if up && closes[i] > emaSlow[i] {
			count++
		}
		if !up && closes[i] < emaSlow[i] {
			count++
		}
	}
	return count >= p.TrendMinCount
}

// nearLevel — близость цены к уровню в относительных единицах
func nearLevel(price, level, proximity float64) bool {
	if price <= 0 || level <= 0 {
		return false
	}
	return math.Abs(price-level)/price <= proximity
}

// shortTrend классифицирует краткосрочный тренд по окну закрытий
func shortTrend(closes []float64, p config.IndicatorParams) models.TrendClass {
	n := len(closes)
	lookback := p.ShortTrendLookback
	if n < lookback || lookback < 2 {
		return models.TrendFlat
	}
	first := closes[n-lookback]
	last := closes[n-1]
	if first <= 0 {
		return models.TrendFlat
	}
	change := (last - first) / first
	switch {
	case change > p.ShortTrendThreshold:
		return models.TrendUp
	case change < -p.ShortTrendThreshold:
		return models.TrendDown
	default:
		return models.TrendFlat
	}
}

func hasBadValues(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
