package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillswap/chat-app/internal/auth"
	"github.com/skillswap/chat-app/internal/config"
	"github.com/skillswap/chat-app/internal/model"
	"github.com/skillswap/chat-app/internal/presence"
	"github.com/skillswap/chat-app/internal/session"
	"github.com/skillswap/chat-app/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "Operator utility for the chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newUserCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newPresenceCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var up bool
			switch args[0] {
			case "up":
				up = true
			case "down":
			default:
				return fmt.Errorf("unknown direction %q (want up or down)", args[0])
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := store.Migrate(cfg.DatabaseURL, up); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", args[0])
			return nil
		},
	}
	return cmd
}

// openDB loads the configuration and opens Postgres.
func openDB(ctx context.Context) (config.Config, *store.Postgres, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	if cfg.DatabaseURL == "" {
		return cfg, nil, errors.New("DATABASE_URL is required")
	}
	pg, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, pg, nil
}

func newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage chat users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newUserUpsertCommand())
	return cmd
}

func newUserUpsertCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "upsert <user-id>",
		Short: "Create or rename a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			_, pg, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer pg.Close()

			u := &model.User{ID: args[0], DisplayName: strings.TrimSpace(name)}
			if u.DisplayName == "" {
				u.DisplayName = u.ID
			}
			if err := pg.UpsertUser(ctx, u); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), u)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the user id)")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or revoke user credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newTokenIssueCommand())
	cmd.AddCommand(newTokenRevokeCommand())
	return cmd
}

type issuedTokens struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"refreshExpiresAt"`
}

// withGate opens the backing services the running server uses for
// credentials and hands a gate to fn.
func withGate(ctx context.Context, fn func(*auth.Gate) error) error {
	cfg, pg, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer pg.Close()

	var (
		sessions    auth.SessionStore   = pg
		revocations auth.RevocationList = auth.NewMemoryRevocations()
	)
	if cfg.RedisAddr != "" {
		rdb, err := session.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		revocations = auth.NewRedisRevocations(rdb, cfg.Auth.AccessTTL)
		if cfg.Sessions == config.SessionsInRedis {
			sessions = session.NewStore(rdb)
		}
	}

	gate, err := auth.NewGate(cfg.Auth, pg, sessions, revocations)
	if err != nil {
		return err
	}
	return fn(gate)
}

func newTokenIssueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Mint a credential pair for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withGate(ctx, func(g *auth.Gate) error {
				sess, err := g.Issue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), issuedTokens{
					UserID:       sess.UserID,
					AccessToken:  sess.AccessToken,
					RefreshToken: sess.RefreshToken,
					ExpiresAt:    sess.ExpiresAt,
				})
			})
		},
	}
}

func newTokenRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Log a user out everywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withGate(ctx, func(g *auth.Gate) error {
				if err := g.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func newPresenceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presence",
		Short: "Inspect the shared presence registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newPresenceShowCommand())
	return cmd
}

type presenceView struct {
	UserID      string   `json:"userId"`
	Online      bool     `json:"online"`
	Connections []string `json:"connections"`
}

func newPresenceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>...",
		Short: "Show live connections for users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisAddr == "" {
				return errors.New("REDIS_ADDR is required")
			}
			rdb, err := session.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				return err
			}
			defer rdb.Close()

			return showPresence(ctx, cmd.OutOrStdout(), presence.NewRedisRegistry(rdb, cfg.LeaseTTL), args)
		},
	}
}

func showPresence(ctx context.Context, w io.Writer, reg presence.Registry, users []string) error {
	views := make([]presenceView, 0, len(users))
	for _, id := range users {
		conns, err := reg.Connections(ctx, id)
		if err != nil {
			return fmt.Errorf("presence %s: %w", id, err)
		}
		if conns == nil {
			conns = []string{}
		}
		views = append(views, presenceView{UserID: id, Online: len(conns) > 0, Connections: conns})
	}
	return printJSON(w, views)
}
