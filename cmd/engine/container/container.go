package container

import (
	"time"

	"github.com/waypointhq/waypoint/common/bootstrap"
	"github.com/waypointhq/waypoint/common/engine"
	"github.com/waypointhq/waypoint/common/ratelimit"
	"github.com/waypointhq/waypoint/common/version"
	"github.com/waypointhq/waypoint/common/webhook"
	"github.com/waypointhq/waypoint/common/worker"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	Registry   *worker.Registry
	Dispatcher *engine.Dispatcher
	Engine     *engine.Engine
	Versions   *version.Manager
	Limiter    ratelimit.Limiter
	Ingress    *webhook.Ingress
}

// NewContainer initializes all services once, bottom-up: workers, then
// dispatch, then the engine, then the ingress that feeds it.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	registry := worker.NewRegistry()
	workers := []worker.Worker{
		worker.NewEcho(),
		worker.NewDelay(),
		worker.NewHTTP(cfg.Worker.HTTPTimeout, !cfg.Production(), log),
		worker.NewLLM(cfg.Worker.OpenAIAPIKey, cfg.Worker.OpenAIModel, cfg.Worker.AllowMockFallback, log),
	}
	for _, w := range workers {
		if err := registry.Register(w); err != nil {
			return nil, err
		}
	}

	kindTimeouts := map[string]time.Duration{
		"llm":  cfg.Worker.LLMTimeout,
		"http": cfg.Worker.HTTPTimeout,
	}
	dispatcher := engine.NewDispatcher(registry, cfg.Service.BaseURL,
		cfg.Worker.DefaultTimeout, kindTimeouts, log)

	var events engine.EventPublisher
	if components.Redis != nil {
		events = components.Redis
	}
	eng := engine.New(components.Store, registry, dispatcher, events, log)

	versions := version.NewManager(components.Store, registry,
		cfg.Engine.MaxVersionsPerFlow, log)

	var limiter ratelimit.Limiter
	var replay webhook.ReplayGuard
	if components.Redis != nil {
		limiter = ratelimit.NewRedisLimiter(components.Redis.GetUnderlying(), log)
		replay = components.Redis
	} else {
		// Single-process fallback: counters and replay memory are local.
		limiter = ratelimit.NewMemoryLimiter()
	}

	ingress := webhook.NewIngress(
		components.Store,
		webhook.NewVerifier(cfg.Webhook.FreshnessWindow),
		limiter,
		replay,
		eng,
		webhook.Options{
			Production:                   cfg.Production(),
			RequireSignatureInProduction: cfg.Webhook.RequireSignatureInProduction,
			RateLimitPerMinute:           int64(cfg.Webhook.RateLimitPerMinute),
			ReplayTTL:                    cfg.Webhook.ReplayTTL,
		},
		log,
	)

	return &Container{
		Components: components,
		Registry:   registry,
		Dispatcher: dispatcher,
		Engine:     eng,
		Versions:   versions,
		Limiter:    limiter,
		Ingress:    ingress,
	}, nil
}
