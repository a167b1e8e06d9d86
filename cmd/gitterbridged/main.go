package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitterbridge/gitterbridge/internal/bridge"
	"github.com/gitterbridge/gitterbridge/internal/config"
	"github.com/gitterbridge/gitterbridge/internal/gitter"
	"github.com/gitterbridge/gitterbridge/internal/matrix"
	"github.com/gitterbridge/gitterbridge/internal/ratelimit"
	"github.com/gitterbridge/gitterbridge/internal/store"
	"github.com/gitterbridge/gitterbridge/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to bridge config (default: "+config.DefaultConfigPath()+")")
	databasePath := flag.String("db", "", "override sqlite database path (defaults to config value)")
	debug := flag.Bool("debug", false, "enable verbose debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gitterbridged %s\n", version.Version)

		if result, err := version.Check(); err == nil {
			if notice := version.FormatUpdateNotice(result); notice != "" {
				fmt.Fprintln(os.Stderr, "")
				fmt.Fprintln(os.Stderr, notice)
			}
		}

		os.Exit(0)
	}

	// Log version at startup so operators can see which build is running.
	log.Printf("gitterbridged %s starting", version.Version)

	// Check for updates at startup (best-effort; runs inline, bounded by the
	// version package's request timeout).
	if !version.IsDev() {
		if result, err := version.Check(); err == nil {
			if notice := version.FormatUpdateNotice(result); notice != "" {
				log.Println(notice)
			}
		}
	}

	if *configPath == "" {
		*configPath = config.DefaultConfigPath()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *debug {
		cfg.Debug = true
	}
	if *databasePath != "" {
		cfg.DatabasePath = *databasePath
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "bridge error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log.Printf("opening database at %s", cfg.DatabasePath)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	matrixClient, err := matrix.NewClient(cfg.Matrix.HomeserverURL, cfg.Matrix.Domain,
		cfg.Matrix.Botname, cfg.Matrix.AppserviceToken)
	if err != nil {
		return err
	}

	gitterClient := gitter.NewClient(cfg.Debug)
	limiter := ratelimit.NewDefault("gitter_stream")

	// The login server and the bridge point at each other: the callback
	// completes registrations, the bridge hands out auth links.
	var b *bridge.Bridge
	login := gitter.NewLoginServer(
		cfg.Gitter.OAuthKey, cfg.Gitter.OAuthSecret, cfg.Gitter.LoginURL,
		cfg.UniqueSecretKey, cfg.BotFullname(),
		func(matrixUser, accessToken string) {
			b.SetGitterAccessToken(matrixUser, accessToken)
		})

	b = bridge.New(st, matrixClient, gitterClient, limiter, login.AuthLink, cfg.Debug)
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()

	appservice := matrix.NewAppService(cfg.Matrix.HomeserverToken,
		b.HandleEvent, b.RegisterQueriedUser, cfg.Debug)

	appserviceSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Matrix.AppservicePort),
		Handler: appservice.Handler(),
	}
	loginSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Gitter.LoginPort),
		Handler: login.Handler(),
	}

	errCh := make(chan error, 2)
	go func() { errCh <- appserviceSrv.ListenAndServe() }()
	go func() { errCh <- loginSrv.ListenAndServe() }()

	log.Printf("appservice listening on :%d as %s", cfg.Matrix.AppservicePort, cfg.BotFullname())
	log.Printf("gitter login listening on :%d (%s)", cfg.Gitter.LoginPort, cfg.Gitter.LoginURL)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = appserviceSrv.Shutdown(shutdownCtx)
	_ = loginSrv.Shutdown(shutdownCtx)

	return serveErr
}
