package storage

import (
	"context"
	"fmt"

	"github.com/skalibog/bmse/pkg/logger"
	"go.uber.org/zap"
)

// Recap собирает сводку последнего сохраненного результата по каждому
// инструменту. Вызывается на старте, чтобы восстановить контекст
// прошлой сессии до первого аналитического цикла. Инструменты без
// истории пропускаются, ошибки чтения логируются и не прерывают обход.
func Recap(ctx context.Context, r Recorder, symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		history, err := r.GetAnalysisHistory(ctx, symbol, 1)
		if err != nil {
			logger.Warn("не удалось прочитать историю анализа",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if len(history) == 0 {
			continue
		}
		last := history[0]
		line := fmt.Sprintf("%s: %s @ %.8g, %s",
			symbol, last.Directive, last.CurrentPrice,
			last.Timestamp.Format("02.01.2006 15:04:05"))
		if last.RuleName != "" {
			line += fmt.Sprintf(" (%s)", last.RuleName)
		}
		out = append(out, line)
	}
	return out
}
