package orderbook

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/pkg/models"
)

func testParams() config.OrderBookParams {
	return config.OrderBookParams{
		TopLevels:       20,
		ImbalanceLong:   1.8,
		ImbalanceShort:  0.55,
		ClusterDistance: 0.001,
		ClusterMinShare: 0.15,
		WallMultiplier:  4.0,
		PriceTolerance:  0.0005,
		PressureStrong:  2.0,
		PressureModest:  0.8,
	}
}

func book(bids, asks []models.OrderBookLevel) *models.OrderBookSnapshot {
	return &models.OrderBookSnapshot{
		Symbol:     "BTCUSDT",
		Bids:       bids,
		Asks:       asks,
		CapturedAt: time.Now(),
	}
}

func levels(pairs ...float64) []models.OrderBookLevel {
	out := make([]models.OrderBookLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.OrderBookLevel{Price: pairs[i], Quantity: pairs[i+1]})
	}
	return out
}

func TestEmptyBookRejected(t *testing.T) {
	a := NewAnalyzer(testParams())

	if _, err := a.Analyze(nil, nil); !errors.Is(err, ErrNoDepth) {
		t.Fatalf("expected ErrNoDepth for nil snapshot, got %v", err)
	}
	if _, err := a.Analyze(book(nil, levels(100, 1)), nil); !errors.Is(err, ErrNoDepth) {
		t.Fatalf("expected ErrNoDepth for empty bids, got %v", err)
	}
}

func TestSpreadAndMid(t *testing.T) {
	a := NewAnalyzer(testParams())

	snap, err := a.Analyze(book(
		levels(99.5, 2, 99.0, 1),
		levels(100.5, 3, 101.0, 1),
	), nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if snap.BestBid != 99.5 || snap.BestAsk != 100.5 {
		t.Fatalf("best levels wrong: bid=%v ask=%v", snap.BestBid, snap.BestAsk)
	}
	if snap.Spread != 1.0 {
		t.Fatalf("spread = %v, want 1.0", snap.Spread)
	}
	if snap.MidPrice != 100.0 {
		t.Fatalf("mid = %v, want 100.0", snap.MidPrice)
	}
	if snap.BidVolume != 3 || snap.AskVolume != 4 {
		t.Fatalf("volumes wrong: bid=%v ask=%v", snap.BidVolume, snap.AskVolume)
	}
}

func TestImbalanceSentinels(t *testing.T) {
	if got := imbalance(0, 0); got != 0 {
		t.Fatalf("imbalance(0,0) = %v, want 0", got)
	}
	if got := imbalance(0, 5); got != 0 {
		t.Fatalf("imbalance(0,5) = %v, want 0", got)
	}
	if got := imbalance(5, 0); !math.IsInf(got, 1) {
		t.Fatalf("imbalance(5,0) = %v, want +Inf", got)
	}
	if got := imbalance(7, 7); got != 1.0 {
		t.Fatalf("imbalance(7,7) = %v, want 1.0", got)
	}
}

func TestClustersMergeAdjacentLevels(t *testing.T) {
	p := testParams()

	// первые три уровня в пределах 0.1% друг от друга, четвертый далеко
	bids := levels(
		100.00, 10,
		99.95, 10,
		99.90, 10,
		98.00, 1,
	)
	var total float64
	for _, l := range bids {
		total += l.Quantity
	}

	got := clusters(bids, total, p)
	if len(got) != 1 {
		t.Fatalf("expected single cluster, got %d: %+v", len(got), got)
	}
	c := got[0]
	if c.Volume != 30 {
		t.Fatalf("cluster volume = %v, want 30", c.Volume)
	}
	if c.PriceLow != 99.90 || c.PriceHigh != 100.00 {
		t.Fatalf("cluster bounds wrong: [%v, %v]", c.PriceLow, c.PriceHigh)
	}
}

func TestClustersRankedByVolume(t *testing.T) {
	p := testParams()
	p.ClusterMinShare = 0.1

	bids := levels(
		100.00, 5,
		99.99, 5,
		// разрыв
		95.00, 20,
		94.99, 20,
	)
	got := clusters(bids, 50, p)
	if len(got) != 2 {
		t.Fatalf("expected two clusters, got %d", len(got))
	}
	if got[0].Volume < got[1].Volume {
		t.Fatalf("clusters must be ranked by volume descending: %+v", got)
	}
}

func TestSmallClustersDiscarded(t *testing.T) {
	p := testParams()

	bids := levels(
		100.00, 1, // 1% объема — ниже минимальной доли
		95.00, 99,
	)
	got := clusters(bids, 100, p)
	for _, c := range got {
		if c.Volume < 100*p.ClusterMinShare {
			t.Fatalf("cluster below min share must be discarded: %+v", c)
		}
	}
}

func TestWallDetection(t *testing.T) {
	// средний объем = 14, стена должна превышать 56
	lv := levels(
		100, 2,
		99, 2,
		98, 60,
		97, 2,
		96, 4,
	)
	got := walls(lv, 4.0)
	if len(got) != 1 {
		t.Fatalf("expected one wall, got %d: %+v", len(got), got)
	}
	if got[0].Price != 98 {
		t.Fatalf("wall at wrong price: %v", got[0].Price)
	}
}

func TestVolumeDeltaToleranceMatching(t *testing.T) {
	tol := 0.0005

	prev := levels(100.00, 10)
	// цена ушла на 0.04% — в пределах допуска, уровень тот же
	cur := levels(100.04, 14)
	net, mag := volumeDelta(cur, prev, tol)
	if net != 4 || mag != 4 {
		t.Fatalf("matched delta wrong: net=%v mag=%v", net, mag)
	}

	// цена ушла на 0.1% — за пределами допуска, объем считается новым
	cur = levels(100.10, 14)
	net, mag = volumeDelta(cur, prev, tol)
	if net != 14 || mag != 14 {
		t.Fatalf("unmatched delta wrong: net=%v mag=%v", net, mag)
	}

	// граница допуска включительно
	cur = levels(100.05, 14)
	net, _ = volumeDelta(cur, prev, tol)
	if net != 4 {
		t.Fatalf("boundary tolerance must match: net=%v", net)
	}
}

func TestPressureClassification(t *testing.T) {
	p := testParams()

	cases := []struct {
		net, mag float64
		want     models.DepthPressure
	}{
		{0, 0, models.PressureNeutral},
		{10, 10, models.PressureStrongUp},  // ratio = 2.0
		{5, 10, models.PressureUp},         // ratio = 1.0
		{-10, 10, models.PressureStrongDown},
		{-5, 10, models.PressureDown},
		{1, 10, models.PressureNeutral}, // ratio = 0.2
	}
	for _, tc := range cases {
		if got := classifyPressure(tc.net, tc.mag, p); got != tc.want {
			t.Fatalf("classifyPressure(%v, %v) = %v, want %v", tc.net, tc.mag, got, tc.want)
		}
	}
}

func TestCompositeCascadePrecedence(t *testing.T) {
	a := NewAnalyzer(testParams())

	// сильный дисбаланс + поддержка: сильный лонг, даже при давлении вниз
	s := &models.DepthSnapshot{
		Imbalance: 2.5,
		AskVolume: 10,
		Supports:  []models.LiquidityCluster{{Volume: 100}},
		Pressure:  models.PressureStrongDown,
	}
	if got := a.composite(s); got.Direction != 1 || got.Strength != 3 {
		t.Fatalf("imbalance rule must win: %+v", got)
	}

	// без кластера сильное правило не срабатывает, берет давление
	s.Supports = nil
	if got := a.composite(s); got.Direction != -1 || got.Strength != 2 {
		t.Fatalf("pressure rule expected: %+v", got)
	}

	// только асимметрия стен — слабый сигнал
	s = &models.DepthSnapshot{
		Imbalance: 1.0,
		AskVolume: 10,
		BidWalls:  []models.OrderBookLevel{{Price: 99, Quantity: 50}},
	}
	if got := a.composite(s); got.Direction != 1 || got.Strength != 1 {
		t.Fatalf("wall asymmetry rule expected: %+v", got)
	}

	// ничего не сработало — нейтрально
	s = &models.DepthSnapshot{Imbalance: 1.0, AskVolume: 10}
	if got := a.composite(s); got.Direction != 0 || got.Strength != 0 {
		t.Fatalf("expected neutral bias: %+v", got)
	}
}

func TestFirstCycleWithoutPrevious(t *testing.T) {
	a := NewAnalyzer(testParams())

	snap, err := a.Analyze(book(levels(99, 5), levels(101, 5)), nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if snap.Pressure != models.PressureNeutral || snap.NetVolumeChange != 0 {
		t.Fatalf("deltas must be absent without previous snapshot: %+v", snap)
	}
}
