package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skalibog/bmse/internal/analysis/aggregator"
	"github.com/skalibog/bmse/internal/analysis/fusion"
	"github.com/skalibog/bmse/internal/analysis/funding"
	"github.com/skalibog/bmse/internal/analysis/orderbook"
	"github.com/skalibog/bmse/internal/analysis/technical"
	"github.com/skalibog/bmse/internal/config"
	"github.com/skalibog/bmse/internal/connmgr"
	"github.com/skalibog/bmse/internal/exchange"
	"github.com/skalibog/bmse/internal/market"
	"github.com/skalibog/bmse/internal/notify"
	"github.com/skalibog/bmse/internal/queue"
	"github.com/skalibog/bmse/internal/storage"
	"github.com/skalibog/bmse/pkg/logger"
	"github.com/skalibog/bmse/pkg/models"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	logger.Init(cfg.Debug)
	defer logger.GetLogger().Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Очередь исходящих запросов: единственный путь к REST-API
	q := queue.New(cfg.Queue)

	client, err := exchange.NewClient(cfg.Binance, q)
	if err != nil {
		logger.Fatal("Ошибка инициализации клиента биржи", zap.Error(err))
	}

	// Без торговых правил движок не работает — ошибка фатальна
	meta, err := client.GetExchangeMeta(ctx)
	if err != nil {
		logger.Fatal("Ошибка получения метаданных биржи", zap.Error(err))
	}
	logger.Info("Метаданные биржи получены", zap.Int("symbols", len(meta)))

	store := market.NewStore(cfg.Trading.Symbols, cfg.Trading.BufferSize)

	// Менеджер потоковых подключений
	opener := exchange.NewStreamOpener(client, cfg.Trading.Interval, cfg.Streams.DepthLevels,
		time.Duration(cfg.Streams.KeepaliveMinutes)*time.Minute)
	manager := connmgr.New(opener, cfg.Streams.ReconnectDelay(), cfg.Streams.ReconnectMax())

	// События потоков пишут в рыночное состояние
	for _, symbol := range cfg.Trading.Symbols {
		symbol := symbol
		st := store.Instrument(symbol)

		manager.Subscribe(symbol, connmgr.KindCandles, func(e connmgr.Event) {
			if e.Candle != nil {
				st.ApplyCandle(*e.Candle, e.CandleClosed)
			}
		})
		manager.Subscribe(symbol, connmgr.KindDepth, func(e connmgr.Event) {
			if e.Depth != nil {
				st.ApplyDepth(e.Depth)
			}
		})
	}

	// Начальная история через очередь: до первого свечного события
	// анализу уже есть с чем работать
	for _, symbol := range cfg.Trading.Symbols {
		candles, err := client.GetKlines(ctx, symbol, cfg.Trading.Interval, cfg.Trading.BufferSize)
		if err != nil {
			logger.Warn("Не удалось загрузить историю свечей",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		store.Instrument(symbol).SeedCandles(candles)
		logger.Info("История свечей загружена",
			zap.String("symbol", symbol), zap.Int("candles", len(candles)))
	}

	for _, symbol := range cfg.Trading.Symbols {
		if err := manager.Connect(ctx, symbol, connmgr.KindCandles); err != nil {
			logger.Warn("Свечной поток не открыт", zap.String("symbol", symbol), zap.Error(err))
		}
		if err := manager.Connect(ctx, symbol, connmgr.KindDepth); err != nil {
			logger.Warn("Поток стакана не открыт", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	if cfg.Streams.UserStream {
		if err := manager.Connect(ctx, "", connmgr.KindUserData); err != nil {
			logger.Warn("Приватный поток не открыт", zap.Error(err))
		}
	}

	// Таймфрейм анализа — параметры рабочего интервала либо дефолты
	params, ok := cfg.Analysis.Timeframes[cfg.Trading.Interval]
	if !ok {
		params = config.DefaultIndicatorParams()
	}

	advisor := funding.NewAdvisor(client, cfg.Analysis.Funding)
	agg := aggregator.New(store,
		technical.NewAnalyzer(params),
		orderbook.NewAnalyzer(cfg.Analysis.OrderBook),
		fusion.NewEngine(),
		fusion.NewPlanner(cfg.Planner),
		advisor,
		meta,
	)

	// Необязательные коллабораторы: рекордер и нотификатор
	var recorder storage.Recorder
	if cfg.Storage.Enabled {
		recorder, err = storage.NewInfluxRecorder(cfg.Storage)
		if err != nil {
			logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
		}
		defer recorder.Close()

		// сводка прошлой сессии до первого цикла
		for _, line := range storage.Recap(ctx, recorder, cfg.Trading.Symbols) {
			logger.Info("Прошлая сессия", zap.String("result", line))
		}
	}

	var notifier notify.Notifier
	if cfg.Telegram.Enabled {
		notifier, err = notify.NewTelegramNotifier(cfg.Telegram)
		if err != nil {
			logger.Fatal("Ошибка инициализации Telegram", zap.Error(err))
		}
	} else {
		notifier = notify.NewLogNotifier(time.Duration(cfg.Telegram.CooldownSeconds) * time.Second)
	}

	// Аналитический цикл
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Analysis.IntervalSeconds) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				results := agg.RunCycle(ctx)
				for _, r := range results {
					if r.Directive != models.Neutral {
						logger.Info("Сигнал",
							zap.String("symbol", r.Symbol),
							zap.String("directive", r.Directive.String()),
							zap.String("rule", r.RuleName))
					}
					if err := notifier.Notify(r); err != nil {
						logger.Warn("Ошибка нотификации", zap.Error(err))
					}
					if recorder != nil {
						if err := recorder.SaveAnalysis(ctx, r); err != nil {
							logger.Warn("Ошибка записи результата", zap.Error(err))
						}
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Ожидание сигнала завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Завершение работы...")
	cancel()

	// Порядок важен: сначала гасим потоки и таймеры переподключений,
	// затем даем очереди дослать начатые запросы (закрытие listen key)
	manager.Shutdown()
	q.Close()
	logger.Info("Остановлено")
}
