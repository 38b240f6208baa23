package main

import (
	"fmt"
	"net/http"

	"github.com/lyzno1/llm-eduhub/internal/apikeys"
	"github.com/lyzno1/llm-eduhub/internal/chat"
	"github.com/lyzno1/llm-eduhub/internal/config"
	"github.com/lyzno1/llm-eduhub/internal/history"
	"github.com/lyzno1/llm-eduhub/internal/llm"
	"github.com/lyzno1/llm-eduhub/internal/logger"
	"github.com/lyzno1/llm-eduhub/internal/server"
	"github.com/lyzno1/llm-eduhub/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.Log.Level)

	llmClient := llm.NewClient(cfg.LLM)

	hist := history.Open(cfg.History.DBPath)
	defer hist.Close()

	keys := apikeys.Open(cfg.APIKeys.DBPath, cfg.APIKeys.MasterKey)
	defer keys.Close()

	store := chat.NewStore()
	runner := task.NewRunner(store, llmClient, cfg.LLM, hist)

	srv := server.New(store, runner, keys, hist)

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, srv.Handler()); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}
