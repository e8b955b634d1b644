package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pasturehq/pasture/pkg/cache"
)

func cacheCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the response cache",
	}
	cmd.AddCommand(cacheStatsCmd(cfgPath))
	cmd.AddCommand(cacheClearCmd(cfgPath))
	return cmd
}

func cacheStatsCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache entry counts and total size",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			c, err := cache.New(cfg.CacheDir, slog.Default())
			if err != nil {
				return err
			}
			stats, err := c.GetStats()
			if err != nil {
				return fmt.Errorf("cache stats: %w", err)
			}
			fmt.Printf("total:   %d\n", stats.TotalEntries)
			fmt.Printf("active:  %d\n", stats.ActiveEntries)
			fmt.Printf("expired: %d\n", stats.ExpiredEntries)
			fmt.Printf("bytes:   %d\n", stats.TotalBytes)
			return nil
		},
	}
}

func cacheClearCmd(cfgPath *string) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove one cache entry (--key) or every entry",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			c, err := cache.New(cfg.CacheDir, slog.Default())
			if err != nil {
				return err
			}
			if err := c.Clear(key); err != nil {
				return fmt.Errorf("cache clear: %w", err)
			}
			if key != "" {
				fmt.Printf("cleared entry for key %q\n", key)
			} else {
				fmt.Println("cleared all cache entries")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "clear only the entry for this raw cache key (default: clear everything)")
	return cmd
}
