package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"agent-relay/internal/auth"
	"agent-relay/internal/config"
	"agent-relay/internal/server"
	"agent-relay/internal/store"
	syncengine "agent-relay/internal/sync"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.GinMode)

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	engineCfg := syncengine.DefaultConfig()
	engineCfg.InactivityWindow = cfg.InactivityTimeout
	engineCfg.RPCTimeout = cfg.RPCTimeout

	engine, err := syncengine.NewEngine(st, engineCfg)
	if err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go engine.Run(sweepCtx)

	tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
	tokenCfg.Expiry = cfg.TokenExpiry

	router := server.NewRouter(server.Deps{Engine: engine, TokenConfig: tokenCfg})
	log.Printf("listening on :%d", cfg.Port)
	return server.Run(ctx, cfg, router)
}
