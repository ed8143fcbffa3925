package fusion

import (
	"github.com/skalibog/bmse/pkg/models"
)

// Input — входные сигналы каскада за один цикл.
// Depth может отсутствовать (поток стакана еще не дал среза).
type Input struct {
	Indicators *models.IndicatorSnapshot
	Depth      *models.DepthSnapshot
}

// Rule — именованное правило каскада. Порядок в списке определяет
// приоритет: первое сработавшее правило выигрывает.
type Rule struct {
	Name      string
	Directive models.Directive
	When      func(Input) bool
}

// Engine — каскад слияния сигналов. Правила — данные, а не код:
// порядок и состав проверяются тестами независимо от вычислителя.
type Engine struct {
	rules []Rule
}

// NewEngine создает каскад с правилами по умолчанию
func NewEngine() *Engine {
	return &Engine{rules: defaultRules()}
}

// NewEngineWithRules создает каскад с произвольным набором правил
func NewEngineWithRules(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate прогоняет вход по каскаду сверху вниз.
// Ни одно правило не сработало — нейтральная директива.
func (e *Engine) Evaluate(in Input) (models.Directive, string) {
	if in.Indicators == nil {
		return models.Neutral, ""
	}
	for _, r := range e.rules {
		if r.When(in) {
			return r.Directive, r.Name
		}
	}
	return models.Neutral, ""
}

func depthDirection(in Input) int {
	if in.Depth == nil {
		return 0
	}
	return in.Depth.Bias.Direction
}

// defaultRules — каскад по убыванию силы: подтвержденный кросс с
// давлением и согласием стакана, затем давление с объемом, затем
// выстроенный тренд, затем разворотные правила от перекупленности
// и от границ волатильности.
func defaultRules() []Rule {
	return []Rule{
		{
			Name:      "cross_pressure_depth_long",
			Directive: models.Long,
			When: func(in Input) bool {
				i := in.Indicators
				return i.CrossBullish && i.BuyPressure && depthDirection(in) > 0
			},
		},
		{
			Name:      "cross_pressure_depth_short",
			Directive: models.Short,
			When: func(in Input) bool {
				i := in.Indicators
				return i.CrossBearish && i.SellPressure && depthDirection(in) < 0
			},
		},
		{
			Name:      "pressure_volume_long",
			Directive: models.Long,
			When: func(in Input) bool {
				i := in.Indicators
				return i.BuyPressure && i.VolumeSpike && !i.Overbought
			},
		},
		{
			Name:      "pressure_volume_short",
			Directive: models.Short,
			When: func(in Input) bool {
				i := in.Indicators
				return i.SellPressure && i.VolumeSpike && !i.Oversold
			},
		},
		{
			Name:      "trend_alignment_long",
			Directive: models.Long,
			When: func(in Input) bool {
				i := in.Indicators
				return i.EMAFast > i.EMAMedium && i.EMAMedium > i.EMASlow && i.BuyPressure
			},
		},
		{
			Name:      "trend_alignment_short",
			Directive: models.Short,
			When: func(in Input) bool {
				i := in.Indicators
				return i.EMAFast < i.EMAMedium && i.EMAMedium < i.EMASlow && i.SellPressure
			},
		},
		{
			Name:      "oscillator_reversal_long",
			Directive: models.Long,
			When: func(in Input) bool {
				i := in.Indicators
				return i.Oversold && i.TrendDown
			},
		},
		{
			Name:      "oscillator_reversal_short",
			Directive: models.Short,
			When: func(in Input) bool {
				i := in.Indicators
				return i.Overbought && i.TrendUp
			},
		},
		{
			Name:      "band_reversal_long",
			Directive: models.Long,
			When: func(in Input) bool {
				i := in.Indicators
				return i.NearLowerBand && i.ShortTrend == models.TrendDown
			},
		},
		{
			Name:      "band_reversal_short",
			Directive: models.Short,
			When: func(in Input) bool {
				i := in.Indicators
				return i.NearUpperBand && i.ShortTrend == models.TrendUp
			},
		},
	}
}
