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

	"github.com/emiago/voxbridge"
	"github.com/emiago/voxbridge/ari"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Bridge finished with error")
	}
}

func run(ctx context.Context) error {
	cfg, err := voxbridge.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.OpenAIAPIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY is empty, dialog connections will fail")
	}

	udp := voxbridge.NewUDPServer(cfg, log.Logger)
	if err := udp.Listen(); err != nil {
		return err
	}
	defer udp.Close()

	errCh := make(chan error, 3)

	go func() {
		errCh <- udp.Serve(ctx)
	}()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler: voxbridge.NewRegistrarHandler(udp, log.Logger),
	}
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("Registrar HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if cfg.ARIURL != "" {
		app := ari.NewApp(ari.AppConfig{
			BaseURL:   cfg.ARIURL,
			Username:  cfg.ARIUsername,
			Password:  cfg.ARIPassword,
			App:       cfg.ARIApp,
			MediaHost: cfg.MediaHost,
			MediaPort: cfg.MediaPort,
		}, udp, log.Logger)
		go func() {
			errCh <- app.Run(ctx)
		}()
	} else {
		log.Info().Msg("ARI_URL not set, running media plane only")
	}

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	httpSrv.Shutdown(shutCtx)

	return err
}
