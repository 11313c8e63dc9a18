package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guardstat-service/internal/cache"
	"guardstat-service/internal/config"
	"guardstat-service/internal/engine"
	"guardstat-service/internal/logging"
	"guardstat-service/internal/store"
)

type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

// deps открытые зависимости одной команды
type deps struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.SQLiteStore
	redis  *cache.RedisCache
	engine *engine.Engine
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "guardstat",
		Short:         "Counter delta baselines and anomaly classification for reporting hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file (default ./guardstat.yaml)")

	cmd.AddCommand(
		newServeCmd(a),
		newRebuildCmd(a),
		newAnalyzeCmd(a),
		newLiveCmd(a),
	)
	return cmd
}

// open загружает конфигурацию и поднимает хранилище, Redis и движок
func (a *app) open(ctx context.Context) (*deps, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("store opened", zap.String("path", cfg.Database.Path))

	eng := engine.New(st, engine.Options{
		Workers:         cfg.Analysis.Workers,
		GlobalThreshold: cfg.Analysis.GlobalThreshold,
		Location:        loc,
		LiveWindowDays:  cfg.Analysis.LiveWindowDays,
		IndexTTL:        cfg.Redis.IndexTTL,
		DayCacheSize:    cfg.Analysis.DayCacheSize,
	}, logger)

	d := &deps{cfg: cfg, logger: logger, store: st, engine: eng}

	if cfg.Redis.Enabled {
		d.redis = connectRedis(ctx, cfg.Redis, logger)
	}
	if d.redis != nil {
		eng.WithAnomalyLog(d.redis).WithIndexCache(d.redis)
	} else {
		eng.WithAnomalyLog(engine.NewMemoryAnomalyLog())
	}

	return d, nil
}

// connectRedis пробует подключиться с повторами; при неудаче работаем без Redis
func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *cache.RedisCache {
	attempts := cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		var rc *cache.RedisCache
		rc, err = cache.NewRedisCache(ctx, cfg.Addr, cfg.Password, cfg.DB)
		if err == nil {
			logger.Info("connected to Redis", zap.String("addr", cfg.Addr))
			return rc
		}
		logger.Warn("Redis connection attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	logger.Warn("running without Redis, anomaly log kept in memory", zap.Error(err))
	return nil
}

func (d *deps) Close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close failed", zap.Error(err))
	}
	_ = d.logger.Sync()
}
