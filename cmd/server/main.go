package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/adapters/device"
	router "github.com/dkeye/VideoCall/internal/adapters/http"
	"github.com/dkeye/VideoCall/internal/adapters/relay"
	"github.com/dkeye/VideoCall/internal/adapters/rtc"
	"github.com/dkeye/VideoCall/internal/app"
	"github.com/dkeye/VideoCall/internal/app/orch"
	"github.com/dkeye/VideoCall/internal/config"
	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
	"github.com/dkeye/VideoCall/internal/observe"
)

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console output until the config says otherwise.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	metrics, err := observe.InitProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init metrics")
	}

	api, err := rtc.NewAPI(device.RegisterCodecs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init webrtc api")
	}
	newMedia := rtc.Factory(api, rtc.DefaultWebRTCConfig(cfg.Relay.ICEServers))
	devices := device.NewGateway()

	callCfg := orch.Config{
		Channel:             domain.ChannelName(cfg.Relay.Channel),
		Credentials:         domain.Credentials{AppID: domain.AppID(cfg.Relay.AppID), Token: cfg.Relay.Token},
		JoinTimeout:         cfg.Call.JoinTimeout,
		LeaveTimeout:        cfg.Call.LeaveTimeout,
		SubscribeTimeout:    cfg.Call.SubscribeTimeout,
		BackfillConcurrency: cfg.Call.BackfillConcurrency,
	}
	calls := app.NewCallManager(ctx, func(key core.SessionKey) app.CallRunner {
		client := relay.NewClient(relay.Config{
			URL:        cfg.Relay.URL,
			PingPeriod: cfg.PingPeriod,
			NewMedia:   newMedia,
		})
		log.Info().Str("module", "main").Str("sid", string(key)).Msg("call created")
		return orch.NewController(callCfg, devices, client, orch.WithMetrics(metrics.Metrics))
	})

	limiter := router.NewJoinLimiter(cfg.RateLimit.JoinLimit, cfg.RateLimit.JoinWindow)
	go func() {
		ticker := time.NewTicker(cfg.RateLimit.JoinWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Prune()
			}
		}
	}()

	r := router.SetupRouter(cfg, router.Deps{
		Calls:   calls,
		Limiter: limiter,
		Metrics: metrics.Handler,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("channel", cfg.Relay.Channel).Msg("VideoCall server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	calls.StopAll()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
