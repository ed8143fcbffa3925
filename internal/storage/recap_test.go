package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/skalibog/bmse/pkg/models"
)

type fakeRecorder struct {
	history map[string][]*models.AnalysisResult
	failFor string
}

func (f *fakeRecorder) SaveAnalysis(ctx context.Context, result *models.AnalysisResult) error {
	return nil
}

func (f *fakeRecorder) GetAnalysisHistory(ctx context.Context, symbol string, limit int) ([]*models.AnalysisResult, error) {
	if symbol == f.failFor {
		return nil, errors.New("bucket unreachable")
	}
	return f.history[symbol], nil
}

func (f *fakeRecorder) Close() {}

func TestRecapSummarizesLastResults(t *testing.T) {
	rec := &fakeRecorder{history: map[string][]*models.AnalysisResult{
		"BTCUSDT": {{
			Symbol: "BTCUSDT", CurrentPrice: 50000,
			Directive: models.Long, RuleName: "trend_alignment_long",
			Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		}},
		"ETHUSDT": {{
			Symbol: "ETHUSDT", CurrentPrice: 3000,
			Directive: models.Neutral,
			Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		}},
	}}

	lines := Recap(context.Background(), rec, []string{"BTCUSDT", "ETHUSDT"})
	if len(lines) != 2 {
		t.Fatalf("expected 2 recap lines, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "BTCUSDT") || !strings.Contains(lines[0], "LONG") ||
		!strings.Contains(lines[0], "trend_alignment_long") {
		t.Fatalf("unexpected recap line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "ETHUSDT") || !strings.Contains(lines[1], "NEUTRAL") {
		t.Fatalf("unexpected recap line: %q", lines[1])
	}
}

func TestRecapSkipsEmptyAndFailedSymbols(t *testing.T) {
	rec := &fakeRecorder{
		history: map[string][]*models.AnalysisResult{
			"BTCUSDT": {{
				Symbol: "BTCUSDT", CurrentPrice: 50000,
				Directive: models.Short, Timestamp: time.Now(),
			}},
		},
		failFor: "SOLUSDT",
	}

	// пустая история и ошибка чтения не должны ломать обход
	lines := Recap(context.Background(), rec, []string{"SOLUSDT", "ETHUSDT", "BTCUSDT"})
	if len(lines) != 1 {
		t.Fatalf("expected single recap line, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "BTCUSDT") {
		t.Fatalf("unexpected recap line: %q", lines[0])
	}
}
