package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"leadflow/internal/app"
	"leadflow/internal/config"
	"leadflow/internal/db"
	"leadflow/internal/domain"
	"leadflow/internal/repo"
	"leadflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lf",
	Short: "Leadflow CLI",
	Long: `Leadflow moves furniture leads through the sales-to-delivery pipeline.
Core concepts:
- Stage: where the lead sits in the chain lead -> designing -> booking -> ... -> final_handover. Leads only ever move one stage forward.
- Activity status: active, on_hold, lost_approval or lost. Anything but active freezes stage progress until reverted.
- Preconditions: document counters a lead must reach before it may leave a stage (lf lead readiness).
- Roles: every command runs as --actor-id with --role inside --vendor; the permission matrix decides what each role may do per stage.
- Audit log: every change appends one entry; view it with 'lf lead history' or 'lf audit'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		// Values already in the environment win over the workspace .env file.
		if err := godotenv.Load(envPath(workspace)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath(workspace), err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", string(domain.RoleAdmin), "actor role")
	rootCmd.PersistentFlags().String("vendor", "", "vendor id")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "vendor", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(leadCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(stagesCmd())
	rootCmd.AddCommand(useCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func useCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use",
		Short: "Remember --actor-id, --role and --vendor in the workspace .env",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := envPath(workspace)
			env, err := godotenv.Read(path)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if env == nil {
				env = map[string]string{}
			}
			actor := currentActor()
			if !actor.Role.Valid() {
				return fmt.Errorf("unknown role %q", actor.Role)
			}
			env["LEADFLOW_ACTOR_ID"] = actor.ID
			env["LEADFLOW_ROLE"] = string(actor.Role)
			if actor.VendorID != "" {
				env["LEADFLOW_VENDOR"] = actor.VendorID
			}
			if err := godotenv.Write(env, path); err != nil {
				return err
			}
			fmt.Printf("Using actor %s (%s) in vendor %q\n", actor.ID, actor.Role, actor.VendorID)
			return nil
		},
	}
	return cmd
}

func stagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "Show the stage chain and its preconditions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				stages := stageRows(rt)
				if viper.GetBool("json") {
					return printJSON(stages)
				}
				tw := newTable(table.Row{"#", "Stage", "Label", "Owner", "Requires"})
				for i, s := range stages {
					tw.AppendRow(table.Row{i + 1, s.Stage, s.Label, s.Owner, strings.Join(s.Requires, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyDeleteCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to the current actor, role and vendor",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := currentActor()
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:        uuid.NewString(),
				ActorID:   actor.ID,
				Role:      actor.Role,
				VendorID:  actor.VendorID,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Repo().InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				out := map[string]string{"id": key.ID, "key": secret, "actor_id": key.ActorID, "role": string(key.Role), "vendor_id": key.VendorID}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s created for %s (%s, vendor %s)\n", key.ID, key.ActorID, key.Role, key.VendorID)
				fmt.Printf("Key (shown once): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys for the current vendor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Repo().ListAPIKeys(ctx, currentActor().VendorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Name", "Actor", "Role", "Vendor", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.ActorID, k.Role, k.VendorID, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Repo().DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("API key %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in leadflow.yml at the workspace root: server address, logging, read cache, precondition overrides and webhooks. Without the file built-in defaults apply.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default leadflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate leadflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return rt.Config.Validate()
			})
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := viper.GetString("log-level")
			rt, err := app.Open(cmd.Context(), viper.GetString("workspace"), app.Options{LogOutput: os.Stderr, LogLevel: level})
			if err != nil {
				return err
			}
			defer rt.Close()
			if !cmd.Flags().Changed("addr") {
				addr = rt.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = rt.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:          viper.GetString("jwt-secret"),
				AllowLegacyHeaders: rt.Config.Auth.AllowLegacyHeaders,
				EnableDevLogin:     rt.Config.Auth.EnableDevLogin,
				Logger:             rt.Log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LEADFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:    rt.Engine,
				BasePath:  basePath,
				Auth:      authCfg,
				CacheSize: rt.Config.Cache.Size,
				CacheTTL:  time.Duration(rt.Config.Cache.TTLSeconds) * time.Second,
				Logger:    rt.Log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				rt.Log.Info("serving API", "addr", "http://"+addr+basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if d := server.NewWebhookDispatcher(rt.Repo(), rt.Config.Webhooks, rt.Log); d != nil {
				g.Go(func() error { return d.Run(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (defaults to server.base_path)")
	return cmd
}

// --- helpers ---

func envPath(workspace string) string {
	return filepath.Join(workspace, ".env")
}

func currentActor() domain.Actor {
	return domain.Actor{
		ID:       strings.TrimSpace(viper.GetString("actor-id")),
		Role:     domain.Role(strings.TrimSpace(viper.GetString("role"))),
		VendorID: strings.TrimSpace(viper.GetString("vendor")),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	level := viper.GetString("log-level")
	if level == "" {
		level = "warn"
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), app.Options{LogOutput: os.Stderr, LogLevel: level})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "lf_" + hex.EncodeToString(buf), nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}
