package storage

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/pkg/models"
)

// Recorder пишет результаты анализа во внешнее хранилище.
// Рекордер — необязательный коллаборатор: движок работает и без него.
type Recorder interface {
	SaveAnalysis(ctx context.Context, result *models.AnalysisResult) error
	GetAnalysisHistory(ctx context.Context, symbol string, limit int) ([]*models.AnalysisResult, error)
	Close()
}

// InfluxRecorder реализует Recorder поверх InfluxDB
type InfluxRecorder struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	bucket   string
}

// NewInfluxRecorder создает рекордер и проверяет соединение
func NewInfluxRecorder(cfg config.StorageConfig) (*InfluxRecorder, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxRecorder{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPI(cfg.Organization, cfg.Bucket),
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxRecorder) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// SaveAnalysis сохраняет результат анализа
func (s *InfluxRecorder) SaveAnalysis(ctx context.Context, result *models.AnalysisResult) error {
	fields := map[string]interface{}{
		"price":     result.CurrentPrice,
		"directive": result.Directive.String(),
		"rule":      result.RuleName,
	}
	if result.Indicators != nil {
		fields["ema_fast"] = result.Indicators.EMAFast
		fields["ema_medium"] = result.Indicators.EMAMedium
		fields["ema_slow"] = result.Indicators.EMASlow
		fields["oscillator"] = result.Indicators.Oscillator
	}
	if result.Depth != nil {
		fields["imbalance"] = result.Depth.Imbalance
		fields["spread"] = result.Depth.Spread
	}
	if result.Plan != nil {
		fields["entry"] = result.Plan.Entry
		fields["stop_loss"] = result.Plan.StopLoss
		fields["take_profit"] = result.Plan.TakeProfit
		if result.Plan.OptimalEntry != nil {
			fields["optimal_entry"] = *result.Plan.OptimalEntry
		}
	}

	point := influxdb2.NewPoint(
		"analysis",
		map[string]string{
			"symbol": result.Symbol,
		},
		fields,
		result.Timestamp,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()

	return nil
}

// GetAnalysisHistory получает историю результатов по инструменту
func (s *InfluxRecorder) GetAnalysisHistory(ctx context.Context, symbol string, limit int) ([]*models.AnalysisResult, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "analysis")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, s.bucket, symbol, limit)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории анализа: %w", err)
	}

	var out []*models.AnalysisResult
	for result.Next() {
		record := result.Record()

		price, _ := record.ValueByKey("price").(float64)
		directive, _ := record.ValueByKey("directive").(string)
		rule, _ := record.ValueByKey("rule").(string)

		out = append(out, &models.AnalysisResult{
			Symbol:       symbol,
			CurrentPrice: price,
			Directive:    parseDirective(directive),
			RuleName:     rule,
			Timestamp:    record.Time(),
		})
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return out, nil
}

func parseDirective(s string) models.Directive {
	switch s {
	case "LONG":
		return models.Long
	case "SHORT":
		return models.Short
	default:
		return models.Neutral
	}
}
