package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/access"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/bus"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/config"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/db"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/invite"
	clog "github.com/touristicatours/BudgetTripPlanner-sub002/internal/log"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/presence"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/server"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/store"
	"github.com/touristicatours/BudgetTripPlanner-sub002/internal/ws"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并组装协作子系统。
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	trips := store.NewGormTripStore(gdb)
	invites := store.NewGormInviteStore(gdb)
	messages := store.NewGormMessageStore(gdb)

	ac := access.New(trips, cfg.AccessCacheTTL)
	inviteSvc := invite.NewService(invites, trips, ac, cfg.InviteTTL)
	registry := presence.NewRegistry(presence.Options{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.PresenceSweep,
		TypingTimeout:    cfg.TypingTimeout,
		RoomIdleTTL:      cfg.RoomIdleTTL,
	})
	b := bus.New(bus.Options{
		WindowSize:  cfg.RecentWindow,
		QueueSize:   cfg.OutboundQueueSize,
		RoomIdleTTL: cfg.RoomIdleTTL,
	}, registry, messages, ac)
	registry.SetListener(b.BroadcastPresenceDelta)
	gateway := ws.NewGateway(cfg, ac, registry, b)

	ctx := context.Background()
	go registry.Run(ctx)
	go b.Run(ctx)

	h := server.NewHandler(trips, inviteSvc, ac, b, registry)
	r := server.SetupRouter(cfg, h, gateway)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
