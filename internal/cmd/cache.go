// Copyright (c) 2026 dotandev
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dotandev/deobf/internal/oraclecache"
	"github.com/spf13/cobra"
)

var (
	cacheTTLFlag        time.Duration
	cacheMaxEntriesFlag int
	cacheForceFlag      bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the oracle result cache",
	Long: `Manage the SQLite file that memoises oracle executions across runs.

Cache location: ~/.deobf/oracle.db (configurable via DEOBF_CACHE_PATH)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display cache statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCache()
		if err != nil {
			return err
		}
		defer store.Close()

		total, _, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cache: %s\nEntries: %d\n", cfg.CachePath, total)
		if info, err := os.Stat(cfg.CachePath); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Size: %d bytes\n", info.Size())
		}
		return nil
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove expired and least recently used entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCache()
		if err != nil {
			return err
		}
		defer store.Close()

		before, _, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if err := store.Cleanup(cmd.Context(), cacheTTLFlag, cacheMaxEntriesFlag); err != nil {
			return err
		}
		after, _, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries, %d left\n", before-after, after)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cache file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cacheForceFlag {
			return fmt.Errorf("refusing to delete %s without --force", cfg.CachePath)
		}
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(cfg.CachePath + suffix); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", cfg.CachePath+suffix, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", cfg.CachePath)
		return nil
	},
}

func openCache() (*oraclecache.Store, error) {
	if cfg.CachePath == "" {
		return nil, fmt.Errorf("oracle cache is disabled (cache_path is empty)")
	}
	return oraclecache.Open(cfg.CachePath)
}

func init() {
	cacheCleanCmd.Flags().DurationVar(&cacheTTLFlag, "ttl", oraclecache.DefaultTTL, "Remove entries not used for this long")
	cacheCleanCmd.Flags().IntVar(&cacheMaxEntriesFlag, "max-entries", oraclecache.DefaultMaxEntries, "Keep at most this many entries")
	cacheClearCmd.Flags().BoolVarP(&cacheForceFlag, "force", "f", false, "Delete without confirmation")

	cacheCmd.AddCommand(cacheStatusCmd, cacheCleanCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
