package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatrelay/internal/api"
	"chatrelay/internal/config"
	"chatrelay/internal/hub"
	"chatrelay/internal/ollama"
	"chatrelay/internal/plugin"
	"chatrelay/internal/policy"
	"chatrelay/internal/resolver"
	"chatrelay/internal/retrieval"
	"chatrelay/internal/store"
	"chatrelay/internal/turn"
	"chatrelay/internal/ws"
	"chatrelay/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	logger.L.Info("starting chatrelay",
		"ws_port", cfg.Server.WSPort,
		"http_port", cfg.Server.HTTPPort,
		"ollama_url", cfg.Ollama.BaseURL)

	st, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		logger.L.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	policyContent := cfg.Policy.Rego
	if policyContent == "" {
		policyContent = policy.DefaultPolicy
	}
	policyEngine, err := policy.NewEngine(context.Background(), policyContent)
	if err != nil {
		logger.L.Error("failed to compile admission policy", "error", err)
		os.Exit(1)
	}

	registry := plugin.NewRegistry(pluginDescriptors(cfg)...)

	var retriever retrieval.Retriever
	if cfg.Retrieval.BaseURL != "" {
		retriever = retrieval.NewHTTPRetriever(cfg.Retrieval.BaseURL, cfg.Retrieval.TopK, cfg.Retrieval.Timeout)
		logger.L.Info("retrieval enabled", "url", cfg.Retrieval.BaseURL, "top_k", cfg.Retrieval.TopK)
	}

	native := ollama.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.GenerateTimeout)

	turns := turn.NewService(st, retriever, resolver.New(st), registry, native, policyEngine,
		turn.DefaultBatchDelay, cfg.Ollama.GenerateTimeout)

	connectionHub := hub.NewHub()
	go connectionHub.Run()

	wsServer := ws.NewServer(cfg, connectionHub, turns)

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	apiServer := api.NewServer(connectionHub, st, native)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.L.Error("websocket server failed", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
		if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.L.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.L.Info("chatrelay started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.L.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("websocket server shutdown failed", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("http server shutdown failed", "error", err)
	}

	logger.L.Info("chatrelay stopped")
}

// pluginDescriptors builds the completion backend registry from config.
func pluginDescriptors(cfg *config.Config) []*plugin.Descriptor {
	var descriptors []*plugin.Descriptor
	for _, p := range cfg.Plugins {
		if p.ID == "" || len(p.ModelPatterns) == 0 {
			logger.L.Warn("skipping plugin with missing id or model patterns", "plugin_id", p.ID)
			continue
		}
		descriptors = append(descriptors, &plugin.Descriptor{
			ID:            p.ID,
			ModelPatterns: p.ModelPatterns,
			Completer:     plugin.NewOpenAICompleter(p.BaseURL, p.APIKey),
		})
		logger.L.Info("registered plugin backend", "plugin_id", p.ID, "patterns", p.ModelPatterns)
	}
	return descriptors
}
