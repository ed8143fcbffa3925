package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/skalibog/bmse/pkg/models"
)

// Notifier доставляет результаты анализа внешнему получателю.
// Политика дедупликации и охлаждения — забота нотификатора,
// движок шлет каждый результат.
type Notifier interface {
	Notify(result *models.AnalysisResult) error
}

// cooldownGate подавляет повторные уведомления: одна и та же пара
// (инструмент, директива) не чаще одного раза за период охлаждения.
// Смена директивы сбрасывает охлаждение.
type cooldownGate struct {
	mu       sync.Mutex
	period   time.Duration
	lastSent map[string]sentRecord
	now      func() time.Time
}

type sentRecord struct {
	directive models.Directive
	at        time.Time
}

func newCooldownGate(period time.Duration) *cooldownGate {
	return &cooldownGate{
		period:   period,
		lastSent: make(map[string]sentRecord),
		now:      time.Now,
	}
}

// allow решает, пропускать ли уведомление, и фиксирует пропуск
func (g *cooldownGate) allow(symbol string, directive models.Directive) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, seen := g.lastSent[symbol]
	if seen && rec.directive == directive && now.Sub(rec.at) < g.period {
		return false
	}
	g.lastSent[symbol] = sentRecord{directive: directive, at: now}
	return true
}

// formatResult собирает текст уведомления
func formatResult(r *models.AnalysisResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s @ %.8g\n", r.Directive, r.Symbol, r.CurrentPrice)
	if r.RuleName != "" {
		fmt.Fprintf(&b, "правило: %s\n", r.RuleName)
	}
	if r.Plan != nil {
		fmt.Fprintf(&b, "вход: %.8g, стоп: %.8g, тейк: %.8g\n",
			r.Plan.Entry, r.Plan.StopLoss, r.Plan.TakeProfit)
		if r.Plan.OptimalEntry != nil {
			fmt.Fprintf(&b, "оптимальный вход: %.8g\n", *r.Plan.OptimalEntry)
		}
	}
	for _, a := range r.Advisory {
		fmt.Fprintf(&b, "⚠ %s\n", a)
	}
	return strings.TrimRight(b.String(), "\n")
}
