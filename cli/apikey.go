package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Lounger-Habitat/GameServer/auth"
	"github.com/Lounger-Habitat/GameServer/config"
	"github.com/Lounger-Habitat/GameServer/store"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage stored API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCmd())
	cmd.AddCommand(newAPIKeyListCmd())
	cmd.AddCommand(newAPIKeyDeleteCmd())
	return cmd
}

// openStore loads the config and opens the configured store for a one-shot
// command. The caller closes it.
func openStore(cmd *cobra.Command) (store.Store, *config.Config, error) {
	configPath := resolveConfigPath(cmd, nil, defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, nil
}

func newAPIKeyCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <username>",
		Short: "Create an API key for a username and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			svc := auth.NewService(cfg.Auth, st, logger)

			key, rec, err := svc.CreateKey(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("create key: %w", err)
			}
			fmt.Printf("API key for %s (id %s):\n  %s\n", rec.Username, rec.ID, key)
			fmt.Println("Store it now; it cannot be recovered later.")
			return nil
		},
	}
}

func newAPIKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			keys, err := st.ListAPIKeys(context.Background())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tCREATED\tLAST USED")
			for _, k := range keys {
				lastUsed := "never"
				if !k.LastUsedAt.IsZero() {
					lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					k.ID, k.Username, k.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
			}
			return w.Flush()
		},
	}
}

func newAPIKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteAPIKey(context.Background(), args[0]); err != nil {
				return fmt.Errorf("delete key: %w", err)
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}
