package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skalibog/bmse/internal/analysis/fusion"
	"github.com/skalibog/bmse/internal/analysis/technical"
	"github.com/skalibog/bmse/internal/market"
	"github.com/skalibog/bmse/pkg/models"
)

type fakeIndicators struct {
	snap *models.IndicatorSnapshot
	err  error
}

func (f *fakeIndicators) Analyze(candles []models.Candle) (*models.IndicatorSnapshot, error) {
	return f.snap, f.err
}

type panicIndicators struct{}

func (panicIndicators) Analyze([]models.Candle) (*models.IndicatorSnapshot, error) {
	panic("malformed upstream data")
}

type fakeDepth struct {
	snap *models.DepthSnapshot
	err  error
}

func (f *fakeDepth) Analyze(cur, prev *models.OrderBookSnapshot) (*models.DepthSnapshot, error) {
	return f.snap, f.err
}

type fakeSignals struct {
	directive models.Directive
	rule      string
}

func (f *fakeSignals) Evaluate(in fusion.Input) (models.Directive, string) {
	return f.directive, f.rule
}

type fakePlanner struct {
	plan  *models.PricePlan
	calls int
}

func (f *fakePlanner) Plan(
	d models.Directive, price float64,
	ind *models.IndicatorSnapshot, depth *models.DepthSnapshot,
	candles []models.Candle, book *models.OrderBookSnapshot,
	meta models.SymbolMeta,
) *models.PricePlan {
	f.calls++
	return f.plan
}

func seededStore(symbols []string) *market.Store {
	store := market.NewStore(symbols, 10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, sym := range symbols {
		st := store.Instrument(sym)
		candles := make([]models.Candle, 5)
		for i := range candles {
			candles[i] = models.Candle{
				Symbol: sym, OpenTime: base.Add(time.Duration(i) * time.Minute),
				Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10,
			}
		}
		st.SeedCandles(candles)
	}
	return store
}

func TestCycleProducesResults(t *testing.T) {
	store := seededStore([]string{"BTCUSDT", "ETHUSDT"})
	planner := &fakePlanner{plan: &models.PricePlan{Entry: 100}}

	agg := New(store,
		&fakeIndicators{snap: &models.IndicatorSnapshot{}},
		&fakeDepth{},
		&fakeSignals{directive: models.Long, rule: "trend_alignment_long"},
		planner, nil, nil)

	results := agg.RunCycle(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Directive != models.Long || r.RuleName != "trend_alignment_long" {
			t.Fatalf("unexpected result: %+v", r)
		}
		if r.Plan == nil {
			t.Fatalf("non-neutral directive must carry a plan")
		}
		if r.CurrentPrice != 100.5 {
			t.Fatalf("current price must be the last close, got %v", r.CurrentPrice)
		}
	}
	if planner.calls != 2 {
		t.Fatalf("planner must run once per instrument, calls=%d", planner.calls)
	}
}

func TestNeutralDirectiveSkipsPlanner(t *testing.T) {
	store := seededStore([]string{"BTCUSDT"})
	planner := &fakePlanner{}

	agg := New(store,
		&fakeIndicators{snap: &models.IndicatorSnapshot{}},
		&fakeDepth{},
		&fakeSignals{directive: models.Neutral},
		planner, nil, nil)

	results := agg.RunCycle(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if planner.calls != 0 {
		t.Fatalf("planner must not run for neutral directive")
	}
	if results[0].Plan != nil {
		t.Fatalf("neutral result must not carry a plan")
	}
}

func TestInsufficientDataSkipsInstrument(t *testing.T) {
	store := seededStore([]string{"BTCUSDT"})

	agg := New(store,
		&fakeIndicators{err: technical.ErrInsufficientData},
		&fakeDepth{}, &fakeSignals{}, &fakePlanner{}, nil, nil)

	results := agg.RunCycle(context.Background())
	if len(results) != 0 {
		t.Fatalf("insufficient data must skip the instrument, got %d results", len(results))
	}
}

func TestComputationErrorDoesNotAbortCycle(t *testing.T) {
	store := seededStore([]string{"BTCUSDT"})

	agg := New(store,
		&fakeIndicators{err: errors.New("NaN in upstream data")},
		&fakeDepth{}, &fakeSignals{}, &fakePlanner{}, nil, nil)

	// ошибка одного инструмента логируется, цикл завершается штатно
	results := agg.RunCycle(context.Background())
	if len(results) != 0 {
		t.Fatalf("failed instrument must yield no result, got %d", len(results))
	}
}

func TestPanicRecoveredAtInstrumentBoundary(t *testing.T) {
	store := seededStore([]string{"BTCUSDT"})

	agg := New(store, panicIndicators{},
		&fakeDepth{}, &fakeSignals{}, &fakePlanner{}, nil, nil)

	results := agg.RunCycle(context.Background())
	if len(results) != 0 {
		t.Fatalf("panicking instrument must yield no result, got %d", len(results))
	}
}

func TestMarkAnalyzedUpdated(t *testing.T) {
	store := seededStore([]string{"BTCUSDT"})
	st := store.Instrument("BTCUSDT")
	before := st.LastAnalyzed()

	agg := New(store,
		&fakeIndicators{snap: &models.IndicatorSnapshot{}},
		&fakeDepth{}, &fakeSignals{}, &fakePlanner{}, nil, nil)
	agg.RunCycle(context.Background())

	if !st.LastAnalyzed().After(before) {
		t.Fatalf("analysis cycle must advance LastAnalyzed")
	}
}
