package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"shardeddb/pkg/cluster"
	"shardeddb/pkg/config"
	"shardeddb/pkg/session"
	"shardeddb/pkg/sharding"
)

// initConfig loads the YAML config. A missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("config file not found, using default config", "path", path)
	}
	return config.Load(path)
}

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel())); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
}

// initBinds returns the bind source named by the config. ZooKeeper binds
// are watched until ctx is done.
func initBinds(ctx context.Context, cfg *config.Config) (sharding.BindSource, func(), error) {
	sc := cfg.Sharding
	if !sc.ZooKeeper.Enabled() {
		return sharding.StaticBinds{Default: sc.DefaultDatabase, Binds: sc.Binds}, func() {}, nil
	}

	zkb, err := dialZK(cfg)
	if err != nil {
		return nil, nil, err
	}
	go zkb.Run(ctx)
	return zkb, func() { _ = zkb.Close() }, nil
}

func dialZK(cfg *config.Config) (*cluster.ZKBinds, error) {
	zc := cfg.Sharding.ZooKeeper
	zkb, err := cluster.DialZKBinds(zc.Servers, zc.Root, zc.SessionTimeout, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ZooKeeper: %w", err)
	}
	return zkb, nil
}

// initSession builds the registry and session for the demo catalog and
// fails fast on configuration errors.
func initSession(ctx context.Context, cfg *config.Config, catalog *sharding.Catalog) (*session.Session, *sharding.Registry, func(), error) {
	src, closeSrc, err := initBinds(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	reg := sharding.NewRegistry(src)
	if err := reg.Validate(catalog.Types()...); err != nil {
		closeSrc()
		return nil, nil, nil, err
	}

	policy, err := session.ParseFailurePolicy(cfg.Sharding.QueryFailurePolicy)
	if err != nil {
		closeSrc()
		return nil, nil, nil, err
	}

	sess := session.New(reg, session.WithFailurePolicy(policy))
	cleanup := func() {
		if err := sess.Close(); err != nil {
			slog.Warn("closing shards", "error", err)
		}
		closeSrc()
	}
	return sess, reg, cleanup, nil
}
