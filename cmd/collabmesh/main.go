package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/collabmesh/collabmesh/internal/api"
	"github.com/collabmesh/collabmesh/internal/assist"
	"github.com/collabmesh/collabmesh/internal/config"
	"github.com/collabmesh/collabmesh/internal/registry"
	"github.com/collabmesh/collabmesh/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = storage.DefaultBaseDir()
	}
	transcripts, err := storage.NewTranscriptStore(dataDir)
	if err != nil {
		log.Fatalf("transcript store: %v", err)
	}

	responder, err := buildResponder(cfg)
	if err != nil {
		log.Fatalf("assistant: %v", err)
	}

	reg := registry.New(registry.Options{
		GracePeriod: cfg.SessionGracePeriod,
		Responder:   responder,
		Transcripts: transcripts,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	api.NewHandler(reg).Mount(r)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("collabmesh listening on %s (ai provider: %s)", cfg.ListenAddr, cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	reg.Close()
}

func buildResponder(cfg *config.Config) (registry.Responder, error) {
	switch cfg.AIProvider {
	case "openai":
		return assist.NewOpenAIResponder(assist.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}), nil
	case "gemini":
		return assist.NewGeminiResponder(context.Background(), assist.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		})
	case "scripted":
		return assist.NewScriptedResponder(), nil
	default:
		return nil, nil
	}
}
