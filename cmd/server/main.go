// harborwatch monitors a container fleet through an upstream inventory API,
// detects anomalies, files insights and incidents, and runs the
// operator-approved remediation workflow.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/harborwatch/harborwatch/internal/anomaly"
	"github.com/harborwatch/harborwatch/internal/api"
	"github.com/harborwatch/harborwatch/internal/audit"
	"github.com/harborwatch/harborwatch/internal/cache"
	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/database"
	"github.com/harborwatch/harborwatch/internal/events"
	"github.com/harborwatch/harborwatch/internal/forecast"
	"github.com/harborwatch/harborwatch/internal/incident"
	"github.com/harborwatch/harborwatch/internal/insight"
	"github.com/harborwatch/harborwatch/internal/inventory"
	"github.com/harborwatch/harborwatch/internal/investigation"
	"github.com/harborwatch/harborwatch/internal/llm"
	"github.com/harborwatch/harborwatch/internal/metricstore"
	"github.com/harborwatch/harborwatch/internal/monitor"
	"github.com/harborwatch/harborwatch/internal/notify"
	"github.com/harborwatch/harborwatch/internal/observability"
	"github.com/harborwatch/harborwatch/internal/remediation"
	"github.com/harborwatch/harborwatch/internal/security"
	"github.com/harborwatch/harborwatch/internal/settings"
	"github.com/harborwatch/harborwatch/internal/webhook"
	"github.com/harborwatch/harborwatch/internal/ws"
)

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("harborwatch")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	appDB, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to application database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer func() { _ = appDB.Close() }()

	if err := database.Migrate(appDB); err != nil {
		logger.Fatal("Failed to apply migrations", map[string]interface{}{
			"error": err.Error(),
		})
	}

	metricsDB, err := database.Open(cfg.MetricsDB)
	if err != nil {
		logger.Fatal("Failed to connect to metrics database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer func() { _ = metricsDB.Close() }()

	swr, err := cache.New(cfg.Redis, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to initialize cache", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer func() { _ = swr.Close() }()

	client := inventory.NewClient(cfg.Inventory, logger, metrics)
	cachedClient := inventory.NewCachedClient(client, swr,
		cfg.Monitoring.EndpointsCacheTTL, cfg.Monitoring.ContainersCacheTTL)

	metricsReader := metricstore.NewReader(metricsDB)

	insightStore := insight.NewStore(appDB)
	incidentStore := incident.NewStore(appDB)
	settingsStore := settings.NewStore(appDB, logger)
	auditStore := audit.NewStore(appDB)
	webhookStore := webhook.NewStore(appDB)
	investigationStore := investigation.NewStore(appDB)
	monitorStore := monitor.NewStore(appDB)
	actionStore := remediation.NewStore(appDB)
	notifyLog := notify.NewLogStore(appDB)

	bus := events.NewBus(4, logger)
	defer bus.Close()

	hub := ws.NewHub(logger)
	monitoringNS := hub.Namespace("monitoring")
	remediationNS := hub.Namespace("remediation")

	webhook.NewDeliverer(webhookStore, logger).Attach(bus)

	channels, enabled := buildChannels(cfg.Notifications, logger)
	dispatcher := notify.NewDispatcher(channels, enabled, settingsStore, notifyLog, logger, metrics)

	var (
		lmClient llm.Client
		analyzer *llm.Analyzer
	)
	if cfg.AI.Enabled || cfg.AI.ExplanationEnabled || cfg.AI.LogAnalysisEnabled {
		ollama := llm.NewOllamaClient(cfg.AI, llm.NewTraceStore(appDB), logger)
		lmClient = ollama
		analyzer = llm.NewAnalyzer(ollama, logger)
	}

	cooldowns := anomaly.NewCooldownRegistry(func() time.Duration {
		return time.Duration(cfg.Anomaly.CooldownMinutes) * time.Minute
	}, logger)

	var forest *anomaly.IsolationForest
	if cfg.Anomaly.IsolationForest {
		forest = anomaly.NewIsolationForest(cfg.Anomaly.MinSamples)
	}

	var forecaster monitor.CapacityForecaster
	if cfg.Predictive.Enabled {
		forecaster = forecast.New(metricsReader,
			cfg.Predictive.CapacityThreshold, cfg.Predictive.AlertThresholdHours, logger)
	}

	deps := monitor.Deps{
		Inventory:  cachedClient,
		Metrics:    metricsReader,
		Detector:   anomaly.NewDetector(metricsReader, cfg.Anomaly, logger),
		Cooldowns:  cooldowns,
		Forest:     forest,
		Scan:       security.ScanContainer,
		Forecaster: forecaster,
		Insights:   insightStore,
		Correlator: incident.NewCorrelator(incidentStore, logger),
		Notifier:   dispatcher,
		Suggest:    remediation.SuggestAction,
		Bus:        bus,
		Store:      monitorStore,
	}
	if lmClient != nil {
		deps.Investigator = investigation.NewTrigger(investigationStore, lmClient, logger)
	}
	if analyzer != nil {
		deps.Analyzer = analyzer
		deps.LM = lmClient
	}

	orchestrator := monitor.NewOrchestrator(deps, *cfg, logger, metrics)
	orchestrator.SetNamespace(monitoringNS)

	actionService := remediation.NewService(actionStore, client, auditStore, bus, remediationNS, logger)

	health := api.NewHealthChecker(buildHealthChecks(cfg, appDB, metricsDB, client, swr, lmClient), swr, logger)

	server := api.NewServer(cfg.API, api.Stores{
		Insights:       insightStore,
		Incidents:      incidentStore,
		Settings:       settingsStore,
		Webhooks:       webhookStore,
		Audit:          auditStore,
		Investigations: investigationStore,
		Monitor:        monitorStore,
	}, actionService, actionStore, health, bus, hub, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cooldowns.StartSweeper(ctx)

	scheduler := monitor.NewScheduler(orchestrator, cfg.Monitoring.CycleInterval, logger)
	go scheduler.Run(ctx)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	orchestrator.Shutdown(shutdownCtx)
	logger.Info("Shutdown complete", nil)
}

func buildChannels(cfg config.NotificationsConfig, logger observability.Logger) ([]notify.Channel, map[string]bool) {
	var channels []notify.Channel
	enabled := map[string]bool{}

	if cfg.Teams.WebhookURL != "" {
		if ch, err := notify.NewTeamsChannel(cfg.Teams); err != nil {
			logger.Error("Teams channel rejected", map[string]interface{}{"error": err.Error()})
		} else {
			channels = append(channels, ch)
			enabled[ch.Name()] = cfg.Teams.Enabled
		}
	}
	if cfg.Discord.WebhookURL != "" {
		if ch, err := notify.NewDiscordChannel(cfg.Discord); err != nil {
			logger.Error("Discord channel rejected", map[string]interface{}{"error": err.Error()})
		} else {
			channels = append(channels, ch)
			enabled[ch.Name()] = cfg.Discord.Enabled
		}
	}
	if cfg.Telegram.BotToken != "" {
		if ch, err := notify.NewTelegramChannel(cfg.Telegram); err != nil {
			logger.Error("Telegram channel rejected", map[string]interface{}{"error": err.Error()})
		} else {
			channels = append(channels, ch)
			enabled[ch.Name()] = cfg.Telegram.Enabled
		}
	}
	if cfg.Email.Host != "" {
		if ch, err := notify.NewEmailChannel(cfg.Email); err != nil {
			logger.Error("Email channel rejected", map[string]interface{}{"error": err.Error()})
		} else {
			channels = append(channels, ch)
			enabled[ch.Name()] = cfg.Email.Enabled
		}
	}
	return channels, enabled
}

func buildHealthChecks(cfg *config.Config, appDB, metricsDB pinger, client *inventory.Client, swr *cache.SWRCache, lm llm.Client) []api.DependencyCheck {
	checks := []api.DependencyCheck{
		{Name: "appDb", URL: redactDSN(cfg.Database.DSN), Ping: appDB.PingContext},
		{Name: "metricsDb", URL: redactDSN(cfg.MetricsDB.DSN), Ping: metricsDB.PingContext},
		{Name: "portainer", URL: cfg.Inventory.BaseURL, Ping: func(ctx context.Context) error {
			_, err := client.GetEndpoints(ctx)
			return err
		}},
	}
	if lm != nil {
		checks = append(checks, api.DependencyCheck{
			Name: "ollama",
			URL:  cfg.AI.BaseURL,
			Ping: func(ctx context.Context) error {
				if !lm.Available(ctx) {
					return errors.New("ollama not responding")
				}
				return nil
			},
		})
	}
	if cfg.Redis.Enabled {
		checks = append(checks, api.DependencyCheck{
			Name: "redis",
			URL:  cfg.Redis.Address,
			Ping: func(ctx context.Context) error {
				if !swr.Ping(ctx) {
					return errors.New("redis not responding")
				}
				return nil
			},
		})
	}
	return checks
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func redactDSN(string) string { return config.RedactedValue }
