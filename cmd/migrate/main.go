// Command migrate applies the marketplace schema to Postgres.
//
//	migrate [up|down|status|version|redo|reset] [args...]
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"marketplace-core/config"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"go.uber.org/zap"
)

func main() {
	timeout := flag.Duration("timeout", 2*time.Minute, "maximum time to spend migrating")
	flag.Parse()

	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env); err != nil {
		util.GetLogger().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	command, args := "up", []string(nil)
	if flag.NArg() > 0 {
		command, args = flag.Arg(0), flag.Args()[1:]
	}
	if cfg.Database.URL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	pg, err := store.NewPostgresStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := store.Migrate(ctx, pg.DB().DB, command, args...); err != nil {
		logger.Error("Migration failed", zap.String("command", command), zap.Error(err))
		util.SyncLogger()
		os.Exit(1)
	}
	logger.Info("Migration complete", zap.String("command", command))
}
