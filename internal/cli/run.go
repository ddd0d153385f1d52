package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/engine"
	"github.com/stemsi/exstem-agent/internal/handler"
	"github.com/stemsi/exstem-agent/internal/kiosk"
	"github.com/stemsi/exstem-agent/internal/logger"
	"github.com/stemsi/exstem-agent/internal/middleware"
	"github.com/stemsi/exstem-agent/internal/remote"
	"github.com/stemsi/exstem-agent/internal/repository"
	"github.com/stemsi/exstem-agent/internal/router"
	"github.com/stemsi/exstem-agent/internal/service"
	"github.com/stemsi/exstem-agent/internal/validator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the attempt and serve the kiosk bridge",
	RunE:  runAgent,
}

func init() {
	f := runCmd.Flags()
	f.String("access-token", "", "Attempt access token (defaults to ACCESS_TOKEN, prompted when unset)")
	f.Duration("hello-timeout", 2*time.Minute, "How long to wait for the kiosk to connect and report its permissions")
}

func runAgent(cmd *cobra.Command, _ []string) error {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("version", version).
		Str("store", cfg.StoreDriver).
		Str("api", cfg.APIBaseURL).
		Msg("Starting ExStem agent")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenFlag, _ := cmd.Flags().GetString("access-token")
	token, err := accessToken(tokenFlag, cfg)
	if err != nil {
		return err
	}

	// ─── Open Durable Store ────────────────────────────────────────────
	kv, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.BridgeSecret, cfg.BridgeExpiry, repository.NewBridgeSessionRepository(kv))
	claims, err := authService.ParseAccessToken(token)
	if err != nil {
		return err
	}
	submissionID := claims.SubmissionID
	log = logger.WithSubmission(log, submissionID)

	client, err := remote.NewClient(remote.Options{
		BaseURL:     cfg.APIBaseURL,
		AccessToken: token,
		Timeout:     cfg.RequestTimeout,
		MaxRPS:      cfg.MaxRPS,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	if cfg.IsProduction() && !client.Secure() {
		log.Warn().Msg("API transport is not encrypted, violation reports will be held locally")
	}

	helloTimeout, _ := cmd.Flags().GetDuration("hello-timeout")
	env := kiosk.NewEnvironment(helloTimeout, log)

	// ─── Open Session Engine ───────────────────────────────────────────
	e, err := engine.Open(ctx, engine.Options{
		State:  claims.SessionState(),
		Remote: client,
		KV:     kv,
		Env:    env,
		Config: engine.ConfigFrom(cfg, clientID(uuid.NewString())),
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer e.Teardown()

	kioskToken, err := authService.IssueBridgeToken(ctx, submissionID)
	if err != nil {
		return err
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	limiter := middleware.NewRateLimiter(ctx, cfg.BridgeRPS, cfg.BridgeBurst)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(e, log),
		WS:      handler.NewWSHandler(e, env, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(e, kv, log),
	}
	r := router.SetupRouter(authService, handlers, cfg, submissionID, limiter)

	// The bridge only ever serves the kiosk on the same machine.
	addr := "127.0.0.1:" + cfg.BridgePort
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Kiosk bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Kiosk token: %s\n", kioskToken)

	// ─── Start Attempt ─────────────────────────────────────────────────
	startErr := e.Start(ctx)
	if startErr != nil {
		log.Error().Err(startErr).Msg("Attempt could not start")
	} else {
		done := make(chan struct{})
		go func() {
			if err := e.Wait(); err != nil {
				log.Error().Err(err).Msg("Session engine stopped with error")
			}
			close(done)
		}()

		select {
		case <-done:
			log.Info().Str("status", string(e.Status())).Msg("Attempt finished")
		case <-ctx.Done():
			log.Info().Msg("Shutting down gracefully...")
			e.Teardown()
			<-done
		case err := <-serveErr:
			log.Error().Err(err).Msg("Kiosk bridge failed")
			e.Teardown()
			<-done
		}
	}

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Kiosk bridge shutdown error")
	}

	log.Info().Msg("Agent stopped")
	return startErr
}
