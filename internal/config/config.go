package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance  BinanceConfig  `yaml:"binance"`
	Trading  TradingConfig  `yaml:"trading"`
	Queue    QueueConfig    `yaml:"queue"`
	Streams  StreamsConfig  `yaml:"streams"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Planner  PlannerConfig  `yaml:"planner"`
	Storage  StorageConfig  `yaml:"storage"`
	Telegram TelegramConfig `yaml:"telegram"`
	Debug    bool           `yaml:"debug"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// TradingConfig содержит настройки отслеживаемых инструментов
type TradingConfig struct {
	Symbols    []string `yaml:"symbols"`
	Interval   string   `yaml:"interval"`
	BufferSize int      `yaml:"buffer_size"`
}

// QueueConfig — настройки очереди исходящих запросов
type QueueConfig struct {
	WindowMs    int `yaml:"window_ms"`
	Budget      int `yaml:"budget"`
	Concurrency int `yaml:"concurrency"`
}

// Window возвращает окно лимита как duration
func (q QueueConfig) Window() time.Duration {
	return time.Duration(q.WindowMs) * time.Millisecond
}

// StreamsConfig — настройки потоковых подключений
type StreamsConfig struct {
	ReconnectDelayMs int  `yaml:"reconnect_delay_ms"`
	ReconnectMaxMs   int  `yaml:"reconnect_max_ms"`
	DepthLevels      int  `yaml:"depth_levels"`
	UserStream       bool `yaml:"user_stream"`
	KeepaliveMinutes int  `yaml:"keepalive_minutes"`
}

// ReconnectDelay возвращает базовую задержку переподключения
func (s StreamsConfig) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

// ReconnectMax возвращает максимальную задержку переподключения
func (s StreamsConfig) ReconnectMax() time.Duration {
	return time.Duration(s.ReconnectMaxMs) * time.Millisecond
}

// AnalysisConfig содержит настройки аналитических модулей
type AnalysisConfig struct {
	IntervalSeconds int                        `yaml:"interval_seconds"`
	Timeframes      map[string]IndicatorParams `yaml:"timeframes"`
	OrderBook       OrderBookParams            `yaml:"orderbook"`
	Funding         FundingParams              `yaml:"funding"`
}

// IndicatorParams — параметры индикаторов для одного таймфрейма
type IndicatorParams struct {
	EMAFast   int `yaml:"ema_fast"`
	EMAMedium int `yaml:"ema_medium"`
	EMASlow   int `yaml:"ema_slow"`
	VolumeEMA int `yaml:"volume_ema"`

	OscPeriod  int     `yaml:"osc_period"`
	Overbought float64 `yaml:"overbought"`
	Oversold   float64 `yaml:"oversold"`

	BandPeriod    int     `yaml:"band_period"`
	BandStdDev    float64 `yaml:"band_stddev"`
	BandProximity float64 `yaml:"band_proximity"`

	VolumeSpikeEMA float64 `yaml:"volume_spike_ema"`
	VolumeSpikeSMA float64 `yaml:"volume_spike_sma"`

	PressureLookback    int     `yaml:"pressure_lookback"`
	PressureBodyMin     float64 `yaml:"pressure_body_min"`
	PressureCandleShare float64 `yaml:"pressure_candle_share"`
	PressureVolumeShare float64 `yaml:"pressure_volume_share"`

	TrendLookback int `yaml:"trend_lookback"`
	TrendMinCount int `yaml:"trend_min_count"`

	ShortTrendLookback  int     `yaml:"short_trend_lookback"`
	ShortTrendThreshold float64 `yaml:"short_trend_threshold"`
}

// OrderBookParams — параметры анализа стакана
type OrderBookParams struct {
	TopLevels       int     `yaml:"top_levels"`
	ImbalanceLong   float64 `yaml:"imbalance_long"`
	ImbalanceShort  float64 `yaml:"imbalance_short"`
	ClusterDistance float64 `yaml:"cluster_distance"`
	ClusterMinShare float64 `yaml:"cluster_min_share"`
	WallMultiplier  float64 `yaml:"wall_multiplier"`
	PriceTolerance  float64 `yaml:"price_tolerance"`
	PressureStrong  float64 `yaml:"pressure_strong"`
	PressureModest  float64 `yaml:"pressure_moderate"`
}

// FundingParams — параметры фандинг-надзора
type FundingParams struct {
	Enabled          bool    `yaml:"enabled"`
	ExtremeThreshold float64 `yaml:"extreme_threshold"`
}

// PlannerConfig — параметры расчета ценовых уровней
type PlannerConfig struct {
	EntryOffset float64       `yaml:"entry_offset"`
	RiskPercent float64       `yaml:"risk_percent"`
	RiskReward  float64       `yaml:"risk_reward"`
	UseBands    bool          `yaml:"use_bands"`
	Optimal     OptimalParams `yaml:"optimal"`
}

// OptimalParams — веса и границы оптимальной лимитной цены
type OptimalParams struct {
	Lookback    int     `yaml:"lookback"`
	WeightLows  float64 `yaml:"weight_lows"`
	WeightVWAP  float64 `yaml:"weight_vwap"`
	WeightDepth float64 `yaml:"weight_depth"`
	MinDiscount float64 `yaml:"min_discount"`
	MaxDiscount float64 `yaml:"max_discount"`
}

// StorageConfig — настройки рекордера результатов
type StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// TelegramConfig — настройки нотификаций
type TelegramConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Token           string `yaml:"token"`
	ChatID          int64  `yaml:"chat_id"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}

	config.applyDefaults()

	if len(config.Trading.Symbols) == 0 {
		return nil, fmt.Errorf("не задан ни один инструмент (trading.symbols)")
	}

	return &config, nil
}

// applyDefaults заполняет нулевые значения значениями по умолчанию
func (c *Config) applyDefaults() {
	if c.Trading.Interval == "" {
		c.Trading.Interval = "5m"
	}
	if c.Trading.BufferSize == 0 {
		c.Trading.BufferSize = 120
	}

	if c.Queue.WindowMs == 0 {
		c.Queue.WindowMs = 1100
	}
	if c.Queue.Budget == 0 {
		c.Queue.Budget = 1800
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 20
	}

	if c.Streams.ReconnectDelayMs == 0 {
		c.Streams.ReconnectDelayMs = 5000
	}
	if c.Streams.ReconnectMaxMs == 0 {
		c.Streams.ReconnectMaxMs = c.Streams.ReconnectDelayMs
	}
	if c.Streams.DepthLevels == 0 {
		c.Streams.DepthLevels = 20
	}
	if c.Streams.KeepaliveMinutes == 0 {
		c.Streams.KeepaliveMinutes = 30
	}

	if c.Analysis.IntervalSeconds == 0 {
		c.Analysis.IntervalSeconds = 15
	}
	if c.Analysis.Timeframes == nil {
		c.Analysis.Timeframes = map[string]IndicatorParams{}
	}
	for tf, p := range c.Analysis.Timeframes {
		p.applyDefaults()
		c.Analysis.Timeframes[tf] = p
	}
	c.Analysis.OrderBook.applyDefaults()
	if c.Analysis.Funding.ExtremeThreshold == 0 {
		c.Analysis.Funding.ExtremeThreshold = 0.0005
	}

	c.Planner.applyDefaults()

	if c.Telegram.CooldownSeconds == 0 {
		c.Telegram.CooldownSeconds = 300
	}
}

// DefaultIndicatorParams возвращает параметры индикаторов по умолчанию
func DefaultIndicatorParams() IndicatorParams {
	var p IndicatorParams
	p.applyDefaults()
	return p
}

func (p *IndicatorParams) applyDefaults() {
	if p.EMAFast == 0 {
		p.EMAFast = 9
	}
	if p.EMAMedium == 0 {
		p.EMAMedium = 21
	}
	if p.EMASlow == 0 {
		p.EMASlow = 50
	}
	if p.VolumeEMA == 0 {
		p.VolumeEMA = 20
	}
	if p.OscPeriod == 0 {
		p.OscPeriod = 14
	}
	if p.Overbought == 0 {
		p.Overbought = 72
	}
	if p.Oversold == 0 {
		p.Oversold = 28
	}
	if p.BandPeriod == 0 {
		p.BandPeriod = 20
	}
	if p.BandStdDev == 0 {
		p.BandStdDev = 2.0
	}
	if p.BandProximity == 0 {
		p.BandProximity = 0.008
	}
	if p.VolumeSpikeEMA == 0 {
		p.VolumeSpikeEMA = 2.0
	}
	if p.VolumeSpikeSMA == 0 {
		p.VolumeSpikeSMA = 1.6
	}
	if p.PressureLookback == 0 {
		p.PressureLookback = 4
	}
	if p.PressureBodyMin == 0 {
		p.PressureBodyMin = 0.001
	}
	if p.PressureCandleShare == 0 {
		p.PressureCandleShare = 0.75
	}
	if p.PressureVolumeShare == 0 {
		p.PressureVolumeShare = 0.65
	}
	if p.TrendLookback == 0 {
		p.TrendLookback = 5
	}
	if p.TrendMinCount == 0 {
		p.TrendMinCount = 4
	}
	if p.ShortTrendLookback == 0 {
		p.ShortTrendLookback = 6
	}
	if p.ShortTrendThreshold == 0 {
		p.ShortTrendThreshold = 0.002
	}
}

func (p *OrderBookParams) applyDefaults() {
	if p.TopLevels == 0 {
		p.TopLevels = 20
	}
	if p.ImbalanceLong == 0 {
		p.ImbalanceLong = 1.8
	}
	if p.ImbalanceShort == 0 {
		p.ImbalanceShort = 0.55
	}
	if p.ClusterDistance == 0 {
		p.ClusterDistance = 0.001
	}
	if p.ClusterMinShare == 0 {
		p.ClusterMinShare = 0.15
	}
	if p.WallMultiplier == 0 {
		p.WallMultiplier = 4.0
	}
	if p.PriceTolerance == 0 {
		p.PriceTolerance = 0.0005
	}
	if p.PressureStrong == 0 {
		p.PressureStrong = 2.0
	}
	if p.PressureModest == 0 {
		p.PressureModest = 0.8
	}
}

func (p *PlannerConfig) applyDefaults() {
	if p.EntryOffset == 0 {
		p.EntryOffset = 0.0005
	}
	if p.RiskPercent == 0 {
		p.RiskPercent = 0.01
	}
	if p.RiskReward == 0 {
		p.RiskReward = 2.0
	}
	if p.Optimal.Lookback == 0 {
		p.Optimal.Lookback = 20
	}
	if p.Optimal.WeightLows == 0 {
		p.Optimal.WeightLows = 0.4
	}
	if p.Optimal.WeightVWAP == 0 {
		p.Optimal.WeightVWAP = 0.35
	}
	if p.Optimal.WeightDepth == 0 {
		p.Optimal.WeightDepth = 0.25
	}
	if p.Optimal.MinDiscount == 0 {
		p.Optimal.MinDiscount = 0.001
	}
	if p.Optimal.MaxDiscount == 0 {
		p.Optimal.MaxDiscount = 0.02
	}
}
