package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/skalibog/bmse/pkg/models"
)

func TestCooldownSuppressesRepeats(t *testing.T) {
	g := newCooldownGate(5 * time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	if !g.allow("BTCUSDT", models.Long) {
		t.Fatalf("first notification must pass")
	}
	if g.allow("BTCUSDT", models.Long) {
		t.Fatalf("repeat within cooldown must be suppressed")
	}

	now = now.Add(5 * time.Minute)
	if !g.allow("BTCUSDT", models.Long) {
		t.Fatalf("notification after cooldown must pass")
	}
}

func TestDirectiveChangeResetsCooldown(t *testing.T) {
	g := newCooldownGate(5 * time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	g.allow("BTCUSDT", models.Long)
	if !g.allow("BTCUSDT", models.Short) {
		t.Fatalf("directive change must bypass cooldown")
	}
}

func TestCooldownPerSymbol(t *testing.T) {
	g := newCooldownGate(5 * time.Minute)

	g.allow("BTCUSDT", models.Long)
	if !g.allow("ETHUSDT", models.Long) {
		t.Fatalf("cooldown is per symbol, other instruments must pass")
	}
}

func TestFormatResult(t *testing.T) {
	opt := 99.5
	r := &models.AnalysisResult{
		Symbol:       "BTCUSDT",
		CurrentPrice: 100.25,
		Directive:    models.Long,
		RuleName:     "trend_alignment_long",
		Plan: &models.PricePlan{
			Entry: 100.1, StopLoss: 99.0, TakeProfit: 102.3,
			OptimalEntry: &opt,
		},
		Advisory: []string{"экстремальный фандинг +0.1000%: перевес лонгов"},
	}

	text := formatResult(r)
	for _, want := range []string{"LONG", "BTCUSDT", "trend_alignment_long", "100.1", "99.5", "фандинг"} {
		if !strings.Contains(text, want) {
			t.Fatalf("formatted message missing %q:\n%s", want, text)
		}
	}
}
