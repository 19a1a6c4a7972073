package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"

	"whatsapp-agent/handler"
	"whatsapp-agent/internal/aggregator"
	"whatsapp-agent/internal/config"
	"whatsapp-agent/internal/integrations/gemini"
	"whatsapp-agent/internal/integrations/openai"
	"whatsapp-agent/internal/integrations/paramstore"
	"whatsapp-agent/internal/integrations/wppconnect"
	"whatsapp-agent/internal/logging"
	"whatsapp-agent/internal/repository"
	"whatsapp-agent/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(start())
}

// start runs the agent and returns the process exit code. Deferred cleanup,
// including the log file, runs before main exits.
func start() int {
	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		return 1
	}
	logCloser, err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		slog.Error("failed to set up logging", "err", err)
		return 1
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("agent stopped with error", "err", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config) error {
	// ---- AWS SDK config, only when a component needs it ----
	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
	}

	// ---- Clients ----
	params, err := newParamGetter(cfg, awsCfg)
	if err != nil {
		return err
	}
	store, storeCloser, err := newStore(cfg, awsCfg)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	openaiClient, err := openai.NewClient(params, cfg.ParamPrefix,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithTemperature(cfg.LLMTemperature),
		openai.WithTranscriptionModel(cfg.TranscriptionModel),
		openai.WithSpeech(cfg.TTSModel, cfg.TTSVoice),
	)
	if err != nil {
		return err
	}
	llm, err := newLLM(cfg, params, openaiClient)
	if err != nil {
		return err
	}
	wpp, err := wppconnect.NewClient(cfg.WPPConnectBaseURL, cfg.WPPConnectSession,
		wppconnect.WithToken(cfg.WPPConnectToken),
		wppconnect.WithSecretKey(cfg.WPPConnectSecretKey),
	)
	if err != nil {
		return err
	}

	// ---- Conversation engine and delivery ----
	svcOpts := []usecase.ServiceOption{
		usecase.WithMaxContextItems(cfg.MaxContextItems),
		usecase.WithMaxMessageLength(cfg.MaxMessageLength),
	}
	if cfg.ModerationEnabled {
		svcOpts = append(svcOpts, usecase.WithModerator(openaiClient))
	}
	svc, err := usecase.NewConversationService(params, llm, store, cfg.ParamPrefix, svcOpts...)
	if err != nil {
		return err
	}
	turnOpts := []usecase.TurnOption{usecase.WithFallbackMessage(cfg.FallbackMessage)}
	if cfg.ReplyMode == usecase.ReplyModeVoice {
		turnOpts = append(turnOpts, usecase.WithVoiceReplies(openaiClient))
	}
	turns, err := usecase.NewTurnHandler(svc, wpp, turnOpts...)
	if err != nil {
		return err
	}

	agg, err := aggregator.New(turns,
		aggregator.WithQuietPeriod(cfg.AggregationWindow),
		aggregator.WithEngineTimeout(cfg.EngineTimeout),
	)
	if err != nil {
		return err
	}

	// ---- HTTP ----
	h, err := handler.NewHandler(agg, openaiClient, handler.WithDedupeWindow(cfg.DedupeWindow))
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           handler.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("webhook server listening", "addr", srv.Addr, "provider", cfg.LLMProvider, "store", cfg.StoreBackend, "reply_mode", cfg.ReplyMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "err", err)
	}
	// Pending windows are still drained so buffered users get their reply.
	if err := agg.Close(shutdownCtx); err != nil {
		slog.Error("aggregator did not drain in time", "err", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// newParamGetter reads parameters from SSM when PARAM_PREFIX is set, and from
// the environment otherwise.
func newParamGetter(cfg config.Config, awsCfg aws.Config) (paramstore.Getter, error) {
	if cfg.UseSSM {
		return paramstore.New(awsssm.NewFromConfig(awsCfg))
	}
	return paramstore.Static{
		paramstore.Join(cfg.ParamPrefix, "system_prompt"):  cfg.SystemPrompt,
		paramstore.Join(cfg.ParamPrefix, "config/model"):   cfg.LLMModel,
		paramstore.Join(cfg.ParamPrefix, "open-ai-token"):  cfg.OpenAIAPIKey,
		paramstore.Join(cfg.ParamPrefix, "gemini-api-key"): cfg.GeminiAPIKey,
	}, nil
}

func newStore(cfg config.Config, awsCfg aws.Config) (usecase.StateReadWriter, io.Closer, error) {
	if cfg.StoreBackend == config.StoreSQLite {
		s, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, nil, err
	}
	return c, nopCloser{}, nil
}

func newLLM(cfg config.Config, params paramstore.Getter, openaiClient *openai.Client) (usecase.LLMClient, error) {
	if cfg.LLMProvider == config.ProviderGemini {
		return gemini.NewClient(params, cfg.ParamPrefix, gemini.WithTemperature(cfg.LLMTemperature))
	}
	return openaiClient, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
