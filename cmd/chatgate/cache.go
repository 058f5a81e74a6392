package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/cache/backend"
	"github.com/chatgate/chatgate/pkg/config"
)

func newCacheCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the response cache",
	}

	open := func(cmd *cobra.Command) (cache.Store, *config.Config, error) {
		cfg, err := load(cmd)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Cache.Backend == config.BackendMemory {
			return nil, nil, errors.New("the memory cache lives inside the server process; use /metrics instead")
		}
		store, err := backend.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, cfg, nil
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			insp, ok := store.(cache.Inspector)
			if !ok {
				return errors.New("cache backend does not report statistics")
			}
			stats, err := insp.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Backend: %s\nEntries: %s\nHits:    %s\nMisses:  %s\n",
				stats.Backend,
				humanize.Comma(stats.Entries),
				humanize.Comma(stats.Hits),
				humanize.Comma(stats.Misses),
			)
			return nil
		},
	}

	var expiredOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if expiredOnly {
				insp, ok := store.(cache.Inspector)
				if !ok {
					return errors.New("cache backend cannot purge")
				}
				n, err := insp.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Removed %s expired entries.\n", humanize.Comma(n))
				return nil
			}

			n, err := store.DeletePrefix(cmd.Context(), "")
			if err != nil {
				return err
			}
			fmt.Printf("Removed %s entries.\n", humanize.Comma(n))
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&expiredOnly, "expired", false, "only clear expired entries")

	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}
