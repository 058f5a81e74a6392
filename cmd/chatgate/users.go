package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/cache/backend"
	"github.com/chatgate/chatgate/pkg/config"
	"github.com/chatgate/chatgate/pkg/identity"
	"github.com/chatgate/chatgate/pkg/logging"
	"github.com/chatgate/chatgate/pkg/models"
)

// openIdentity opens the user store. With a shared cache backend the
// store's invalidations reach the running server; the in-process memory
// cache is not shared, so it is skipped.
func openIdentity(cfg *config.Config) (*identity.Store, func(), error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}

	var store cache.Store
	if cfg.Cache.Enabled && cfg.Cache.Backend != config.BackendMemory {
		store, err = backend.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
	}

	users, err := identity.New(cfg.DBPath, identity.Options{
		Cache:         store,
		ListingTTL:    cfg.Identity.ListingTTL,
		AdminUsername: cfg.Identity.AdminUsername,
		Logger:        log,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, err
	}
	return users, func() {
		_ = users.Close()
		if store != nil {
			_ = store.Close()
		}
	}, nil
}

func newUsersCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user accounts",
	}

	var (
		password string
		admin    bool
	)
	addCmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			users, closeFn, err := openIdentity(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			u, err := users.CreateUser(cmd.Context(), models.UserInput{Username: args[0], Password: password, IsAdmin: admin})
			if err != nil {
				return err
			}
			fmt.Printf("Created user %q (id %d).\n", u.Username, u.ID)
			return nil
		},
	}
	addCmd.Flags().StringVarP(&password, "password", "p", "", "password for the new user")
	addCmd.Flags().BoolVar(&admin, "admin", false, "grant admin access")
	_ = addCmd.MarkFlagRequired("password")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			users, closeFn, err := openIdentity(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := users.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No users.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tADMIN\tCREATED")
			for _, u := range list {
				fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", u.ID, u.Username, u.IsAdmin, humanize.Time(u.CreatedAt))
			}
			return w.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			users, closeFn, err := openIdentity(cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := users.DeleteUser(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Deleted user %d.\n", id)
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd, deleteCmd)
	return cmd
}
