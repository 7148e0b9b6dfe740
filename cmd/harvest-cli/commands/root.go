package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/use-agent/harvest/config"
	"github.com/use-agent/harvest/store"
)

var (
	storeBackend *string
	storePath    *string
	redisAddr    *string
)

var rootCmd = &cobra.Command{
	Use:   "harvest-cli",
	Short: "harvest-cli inspects and manages the persisted scrape session.",
	Long: "harvest-cli reads the progress store directly. The badger backend is " +
		"locked by a running server; use the HTTP API or the redis backend then.",
}

func init() {
	storeBackend = rootCmd.PersistentFlags().String("store", "", "Store backend: badger, redis or memory (default from HARVEST_STORE).")
	storePath = rootCmd.PersistentFlags().String("path", "", "Badger directory (default from HARVEST_STORE_PATH).")
	redisAddr = rootCmd.PersistentFlags().String("redis", "", "Redis address (default from HARVEST_REDIS_ADDR).")
}

// openStore opens the store selected by the environment and flags.
func openStore() (store.Store, error) {
	cfg := config.Load().Store
	if *storeBackend != "" {
		cfg.Backend = *storeBackend
	}
	if *storePath != "" {
		cfg.Path = *storePath
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	return store.Open(cfg)
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
