package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/config"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/llm"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/logger"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/monitor"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/report"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/store"
)

type sendRequest struct {
	Text string `json:"text"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		return
	}
	logger.SetLevel(cfg.LogLevel)

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		logger.L.Error("failed to open store", "error", err)
		return
	}
	defer st.Close()

	llmClient := llm.NewClient(cfg.LLM)

	// Single-user demo wiring; a multi-user deployment holds one
	// orchestrator per authenticated session.
	orch := monitor.New(st, llmClient, monitor.DiskStorage{Root: cfg.Storage.UploadDir},
		report.UserProfile{ID: "local", DisplayName: "Local User"},
		monitor.Options{
			Model:            cfg.LLM.Model,
			SystemPrompt:     cfg.LLM.SystemPrompt,
			MaxHistoryTurns:  cfg.Monitor.MaxHistoryTurns,
			InactivityWindow: cfg.Monitor.InactivityWindow(),
			RecencyWindow:    cfg.Monitor.RecencyWindow(),
		})

	mux := http.NewServeMux()

	mux.HandleFunc("POST /conversations", func(w http.ResponseWriter, r *http.Request) {
		c, err := orch.CreateNewConversation()
		if err != nil {
			logger.L.Error("create conversation failed", "error", err)
			http.Error(w, "failed to create conversation", http.StatusInternalServerError)
			return
		}
		writeJSON(w, c)
	})

	mux.HandleFunc("POST /conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if orch.ActiveConversation() != id {
			if err := orch.SwitchConversation(id); err != nil {
				logger.L.Error("switch conversation failed", "conversation", id, "error", err)
				http.Error(w, "unknown conversation", http.StatusNotFound)
				return
			}
		}
		msg, err := orch.SendMessage(r.Context(), req.Text, nil)
		if err != nil {
			logger.L.Error("send failed", "conversation", id, "error", err)
			http.Error(w, "failed to send message", http.StatusInternalServerError)
			return
		}
		writeJSON(w, msg)
	})

	mux.HandleFunc("GET /conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if orch.ActiveConversation() != id {
			if err := orch.SwitchConversation(id); err != nil {
				http.Error(w, "unknown conversation", http.StatusNotFound)
				return
			}
		}
		writeJSON(w, orch.Messages())
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", serverAddr)
	if err := http.ListenAndServe(serverAddr, mux); err != nil {
		logger.L.Error("failed to start server", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("response encode failed", "error", err)
	}
}
