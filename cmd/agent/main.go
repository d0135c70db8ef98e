package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parikshan-ai/edge-agent/internal/agent"
	"github.com/parikshan-ai/edge-agent/internal/config"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg := config.Load(configPath)

	if cfg.AgentID == "" || cfg.AgentSecret == "" {
		log.Fatal("[Agent] AGENT_ID and AGENT_SECRET are required (env or config file)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[Agent] Parikshan edge agent v%s starting (agent %s)", config.Version, cfg.AgentID)
	if err := agent.Run(ctx, cfg, configPath); err != nil {
		log.Fatalf("[Agent] Fatal: %v", err)
	}
	log.Print("[Agent] Shutdown complete")
}
