package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apihttp "shardeddb/internal/http"
	"shardeddb/pkg/config"
	"shardeddb/pkg/session"
	"shardeddb/pkg/sharding"
	"shardeddb/pkg/types"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "shardeddb",
	Short:         "Horizontally sharded entity storage over SQLite databases",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Create missing tables and serve the admin API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var routeCmd = &cobra.Command{
	Use:   "route <type> <id>",
	Short: "Explain where an identity is written and looked up",
	Long:  "Resolves shards from the configuration only; no database is opened.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRoute,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create tables and load the demo data",
	Args:  cobra.NoArgs,
	RunE:  runSeed,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Write the static binds of the config file to ZooKeeper",
	Args:  cobra.NoArgs,
	RunE:  runPublish,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")
	rootCmd.AddCommand(serveCmd, routeCmd, seedCmd, publishCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := initConfig(configPath)
	if err != nil {
		return cfg, err
	}
	initLogger(&cfg)
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	catalog := newCatalog()
	sess, reg, cleanup, err := initSession(ctx, &cfg, catalog)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sess.CreateAll(ctx, catalog.Types()...); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	server := apihttp.NewServer(sess, catalog, reg, cfg.Server)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("shardeddb started", "session", sess.ID().String(), "policy", cfg.Sharding.QueryFailurePolicy)

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("stopping server", "error", err)
	}
	slog.Info("shardeddb stopped")
	return nil
}

func runRoute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	catalog := newCatalog()
	et, ok := catalog.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown entity type %q", args[0])
	}
	id, err := et.Table.NormalizeIdentity(args[1])
	if err != nil {
		return err
	}

	sess, _, cleanup, err := initSession(cmd.Context(), &cfg, catalog)
	if err != nil {
		return err
	}
	defer cleanup()

	route, err := sess.Chooser().Explain(et, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(route)
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	catalog := newCatalog()
	sess, _, cleanup, err := initSession(ctx, &cfg, catalog)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sess.CreateAll(ctx, catalog.Types()...); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if err := seed(ctx, sess, time.Now().UTC()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "seeded shards:", sess.Shards())
	return nil
}

// seed records the region and its largest city, then a few accounts.
// Running it again updates the region and leaves existing rows alone.
func seed(ctx context.Context, sess *session.Session, now time.Time) error {
	const region, city, population = "asia", "tokyo", 13839910

	meta, found, err := sess.GetByIdentity(ctx, metadataType, "region")
	if err != nil {
		return err
	}
	if found {
		meta["value"] = region
		meta["updated"] = now
	} else {
		meta = types.Row{"key": "region", "value": region, "created": now}
	}
	if err := sess.Save(ctx, metadataType, meta); err != nil {
		return err
	}

	rows := []struct {
		et  *sharding.EntityType
		row types.Row
	}{
		{cityType, types.Row{"id": city, "name": "Tokyo", "population": population, "created": now}},
		{accountType, types.Row{"id": "alice", "type": "personal", "name": "Alice", "email": "alice@example.com", "created": now}},
		{accountType, types.Row{"id": "bob", "type": "personal", "name": "Bob", "created": now}},
		{accountType, types.Row{"id": "carol", "type": "business", "name": "Carol Ltd", "address": "1-1 Marunouchi", "created": now}},
	}
	for _, r := range rows {
		id, _ := r.et.Table.Identity(r.row)
		_, found, err := sess.GetByIdentity(ctx, r.et, id)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if err := sess.Insert(ctx, r.et, r.row); err != nil {
			return err
		}
	}
	return nil
}

func runPublish(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Sharding.ZooKeeper.Enabled() {
		return errors.New("sharding.zookeeper.servers is empty")
	}

	zkb, err := dialZK(&cfg)
	if err != nil {
		return err
	}
	defer zkb.Close()

	if dsn := cfg.Sharding.DefaultDatabase; dsn != "" {
		if err := zkb.PublishDefault(dsn); err != nil {
			return err
		}
	}
	for key, dsn := range cfg.Sharding.Binds {
		if err := zkb.Publish(key, dsn); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", key, dsn)
	}
	return nil
}
