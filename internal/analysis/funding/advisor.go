package funding

import (
	"context"
	"fmt"
	"math"

	"github.com/skalibog/bmse/internal/config"
)

// RateSource отдает текущую ставку финансирования инструмента
type RateSource interface {
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
}

// Advisor помечает экстремальные ставки финансирования.
// Сигнал чисто справочный: на директиву не влияет, попадает
// в результат анализа отдельной строкой.
type Advisor struct {
	source RateSource
	params config.FundingParams
}

// NewAdvisor создает фандинг-надзор
func NewAdvisor(source RateSource, params config.FundingParams) *Advisor {
	return &Advisor{source: source, params: params}
}

// Enabled сообщает, включен ли надзор конфигурацией
func (a *Advisor) Enabled() bool {
	return a.params.Enabled && a.source != nil
}

// Advise возвращает пометку по ставке финансирования или пустую
// строку, если ставка в пределах нормы
func (a *Advisor) Advise(ctx context.Context, symbol string) (string, error) {
	rate, err := a.source.GetFundingRate(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("фандинг %s: %w", symbol, err)
	}

	if math.Abs(rate) < a.params.ExtremeThreshold {
		return "", nil
	}
	if rate > 0 {
		// лонги платят шортам: перегрев покупателей
		return fmt.Sprintf("экстремальный фандинг %+.4f%%: перевес лонгов", rate*100), nil
	}
	return fmt.Sprintf("экстремальный фандинг %+.4f%%: перевес шортов", rate*100), nil
}
