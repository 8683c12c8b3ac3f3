package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"solarline/internal/config"
	"solarline/internal/db"
	"solarline/internal/migrate"
	"solarline/internal/repo"
	"solarline/internal/server"
)

func eventsCmd() *cobra.Command {
	var n int
	var before int64
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, _ *config.Config) error {
				evts, err := s.Engine.Repo.LatestEvents(ctx, n, repo.EventFilter{
					ProjectID:  projectID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Before:     before,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	cmd.Flags().Int64Var(&before, "before", 0, "only events older than this id")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (project, document, milestone, progress)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyRmCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a key; the plain key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = actorID()
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				key, plain, err := s.Engine.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				keys, err := s.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, stringOrDash(k.LastUsedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys of this actor")
	return cmd
}

func apiKeyRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				if err := s.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id signed with the JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), actorID(), ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 means no expiry")
	return cmd
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database maintenance"}
	d.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(dbConfig())
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"applied": applied})
		},
	})
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(dbConfig())
			if err != nil {
				return err
			}
			defer conn.Close()
			st, err := migrate.Inspect(cmd.Context(), conn)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"path": dbConfig().File(), "status": st})
		},
	})
	return d
}

func serveCmd() *cobra.Command {
	var basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SOLARLINE_JWT_SECRET is required for bearer auth")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				handler, err := server.New(server.Config{
					Engine:   s.Engine,
					Notifier: s.Notifier,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, AllowActorHeader: allowActorHeader},
					Logger:   s.Logger,
				})
				if err != nil {
					return err
				}
				addr := viper.GetString("addr")
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				s.Logger.Info("serving", "addr", addr, "base_path", basePath)
				fmt.Printf("Serving Solarline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (local use only)")
	return cmd
}
