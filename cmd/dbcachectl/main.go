// Command dbcachectl is a small administrative CLI for a dbcache-backed
// SQL file: get/set/delete individual keys, clear a shard, and print
// eviction stats, useful for poking at a cache during development without
// writing a throwaway Go program.
//
// Grounded on ValentinKolb-dKV's cmd/root.go and cmd/kv/root.go: a cobra
// RootCmd with persistent flags bound through viper in a
// PersistentPreRunE, and one subcommand per store operation.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/dbcache/dbcache"
	"github.com/dbcache/dbcache/config"
	"github.com/dbcache/dbcache/internal/repository"
)

var (
	cfgFile string
	dbPath  string

	rootCmd = &cobra.Command{
		Use:               "dbcachectl",
		Short:             "administer a dbcache-backed SQL file",
		PersistentPreRunE: bindFlags,
	}

	getCmd = &cobra.Command{
		Use:   "get <key>",
		Short: "print the value stored under key",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	setCmd = &cobra.Command{
		Use:   "set <key> <value>",
		Short: "store value under key",
		Args:  cobra.ExactArgs(2),
		RunE:  runSet,
	}

	delCmd = &cobra.Command{
		Use:   "del <key>",
		Short: "delete key",
		Args:  cobra.ExactArgs(1),
		RunE:  runDel,
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "empty the cache",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "print running eviction counters",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	ttl time.Duration
)

func bindFlags(cmd *cobra.Command, _ []string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return viper.BindPFlags(cmd.Flags())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a dbcache YAML config")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "dbcache.sqlite", "path to the sqlite database file")
	setCmd.Flags().DurationVar(&ttl, "ttl", 0, "time-to-live for the stored value (0 = no deadline)")

	rootCmd.AddCommand(getCmd, setCmd, delCmd, clearCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openCache() (*dbcache.Cache, func(), error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	cfg := &config.Config{}
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}

	cache, err := dbcache.New(cfg, map[string]*sql.DB{"main": db}, repository.SQLite{}, slog.Default(), zerolog.New(os.Stderr))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	cleanup := func() {
		cache.Close()
		_ = db.Close()
	}
	return cache, cleanup, nil
}

func runGet(cmd *cobra.Command, args []string) error {
	cache, cleanup, err := openCache()
	if err != nil {
		return err
	}
	defer cleanup()

	value, found := cache.Get(context.Background(), args[0])
	if !found {
		fmt.Fprintln(cmd.OutOrStdout(), "(not found)")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(value))
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	cache, cleanup, err := openCache()
	if err != nil {
		return err
	}
	defer cleanup()

	ok := cache.Set(context.Background(), args[0], []byte(args[1]), ttl)
	if !ok {
		return fmt.Errorf("set failed")
	}
	return nil
}

func runDel(cmd *cobra.Command, args []string) error {
	cache, cleanup, err := openCache()
	if err != nil {
		return err
	}
	defer cleanup()

	cache.Delete(context.Background(), args[0])
	return nil
}

func runClear(cmd *cobra.Command, _ []string) error {
	cache, cleanup, err := openCache()
	if err != nil {
		return err
	}
	defer cleanup()

	if !cache.Clear(context.Background()) {
		return fmt.Errorf("clear failed")
	}
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	cache, cleanup, err := openCache()
	if err != nil {
		return err
	}
	defer cleanup()

	writes, evicted, ok := cache.Stats()
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "eviction disabled")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "writes=%d evicted=%d\n", writes, evicted)
	return nil
}
