package main

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sjawhar/ghost-voice/internal/audio"
	"github.com/sjawhar/ghost-voice/internal/classify"
	"github.com/sjawhar/ghost-voice/internal/config"
	"github.com/sjawhar/ghost-voice/internal/console"
	"github.com/sjawhar/ghost-voice/internal/credential"
	"github.com/sjawhar/ghost-voice/internal/gdrive"
	"github.com/sjawhar/ghost-voice/internal/llm"
	"github.com/sjawhar/ghost-voice/internal/rtc"
	"github.com/sjawhar/ghost-voice/internal/server"
	"github.com/sjawhar/ghost-voice/internal/storage"
	"github.com/sjawhar/ghost-voice/internal/transcript"
)

//go:embed static/*
var staticFiles embed.FS

func main() {
	log.Println("ghost-voice: starting")

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: .env not loaded: %v", err)
	}

	cfg, warnings, err := config.Load(envOrDefault(config.EnvPrefix+"CONFIG", "config.yaml"))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("config warning: %s", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("static assets init failed: %v", err)
	}

	if err := audio.Initialize(); err != nil {
		warnings = append(warnings, "audio subsystem unavailable: "+err.Error())
		log.Printf("warning: audio init failed, sessions will fail at media capture: %v", err)
	} else {
		defer func() { _ = audio.Terminate() }()
	}

	hub := server.NewHub()
	printer := console.NewPrinter(os.Stdout)

	minter := credential.NewMinter(credential.MinterConfig{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.RealtimeModel,
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
	}, &http.Client{Timeout: 30 * time.Second})

	var credentials rtc.CredentialSource = minter
	if cfg.GatewayURL != "" {
		credentials = credential.NewClient(cfg.GatewayURL, &http.Client{Timeout: 30 * time.Second})
	}

	service := newClassifyService(&cfg)
	var classifier transcript.Classifier = service
	if cfg.ClassifyURL != "" {
		classifier = classify.NewClient(cfg.ClassifyURL, &http.Client{Timeout: cfg.ParsedClassifyTimeout()})
	}

	player := audio.NewPlayer(cfg.SampleRateCandidates())
	negotiator, err := rtc.NewNegotiator(rtc.Config{
		Credentials: credentials,
		Media:       audio.NewCapture(cfg.SampleRateCandidates()),
		Tracks:      player,
		Answerer:    rtc.NewHTTPAnswerer(cfg.RealtimeURL(), &http.Client{Timeout: 30 * time.Second}),
		Observer:    rtc.MultiObserver{store, hub, printer},
		Renderer:    transcript.MultiRenderer{hub, printer},
		Diagnostics: store,
		Classifier:  classifier,
		Vocabulary:  service.Vocabulary(),
		Debounce:    cfg.ParsedDebounce(),
		Throttle: transcript.ThrottleConfig{
			MinInterval: cfg.ParsedClassifyInterval(),
			MinChars:    cfg.ClassifyMinChars,
			Timeout:     cfg.ParsedClassifyTimeout(),
		},
	})
	if err != nil {
		log.Fatalf("negotiator init failed: %v", err)
	}

	startSession := func(ctx context.Context) error {
		_, err := negotiator.Start(ctx)
		return err
	}

	handler, err := server.Handler(assets, hub, store, server.Gateway{
		Credentials: minter,
		Classifier:  service,
		Vocabulary:  service.Vocabulary(),
	}, server.ControlHooks{
		StartSession: startSession,
		StopSession:  negotiator.Stop,
		Status:       negotiator.Status,
		Lines: func() []transcript.Line {
			if s := negotiator.Current(); s != nil {
				return s.Lines()
			}
			return nil
		},
		Warnings: func() []string { return warnings },
	})
	if err != nil {
		log.Fatalf("build http handler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	syncDone := make(chan struct{})
	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID, store)
		if syncErr != nil {
			log.Printf("warning: gdrive sync disabled: %v", syncErr)
			close(syncDone)
		} else {
			go func() {
				defer close(syncDone)
				syncer.Run(ctx, cfg.ParsedGDriveSyncInterval())
			}()
		}
	} else {
		close(syncDone)
	}

	if cfg.Autostart {
		go func() {
			if err := startSession(ctx); err != nil {
				log.Printf("warning: autostart session failed: %v", err)
			}
		}()
	}

	log.Printf("ghost-voice: web UI on http://%s", displayAddr(cfg.ListenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("ghost-voice: shutting down")
	negotiator.Stop()
	player.Wait()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}

	select {
	case <-syncDone:
	case <-shutdownCtx.Done():
		log.Printf("warning: gdrive final sync timed out")
	}
}

// newClassifyService builds the in-process classifier. Without an API key
// for the configured provider it runs on keywords alone.
func newClassifyService(cfg *config.Config) *classify.Service {
	provider, model, err := llm.ParseModel(cfg.ClassifierModel)
	if err != nil {
		log.Printf("warning: classifier model %q: %v; using keyword matching", cfg.ClassifierModel, err)
		return classify.NewService(nil, classify.DefaultVocabulary)
	}

	key := cfg.APIKeyFor(provider)
	if key == "" {
		log.Printf("warning: no %s API key, classifier uses keyword matching", provider)
		return classify.NewService(nil, classify.DefaultVocabulary)
	}

	client, err := llm.NewClient(provider, key, model)
	if err != nil {
		log.Printf("warning: classifier client: %v; using keyword matching", err)
		return classify.NewService(nil, classify.DefaultVocabulary)
	}
	return classify.NewService(client, classify.DefaultVocabulary)
}

func envOrDefault(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}
