package main

import (
	"bufio"
	"context"
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
	"go.uber.org/zap"

	"custodyline/internal/app"
	"custodyline/internal/config"
	"custodyline/internal/db"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/ledger"
	"custodyline/internal/repo"
	"custodyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Custodyline CLI",
	Long: `Custodyline records the chain of custody of coffee batches.
- Ledger: the authoritative record. Batches, stages and custody changes are
  committed there first, signed by the workspace payer key.
- Cache: a queryable copy (SQLite or Postgres) that may lag the ledger but never
  runs ahead of it. 'cl reconcile' repairs it.
- Batch: one lot of coffee, owned by a brand owner and held by one participant
  at a time. Stages (harvest, drying, roasting...) are appended by the holder.
- Partners: the cast a brand owner may hand a batch to.
- Event log: custody events mirrored from the ledger, view with 'cl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
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
	viper.SetEnvPrefix("CUSTODYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(partnerCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create custodyline.yml, a payer key and the workspace databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			signer, err := ledger.GenerateSigner()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(signer.Hex())), 0o600); err != nil {
				return err
			}
			secret := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "CUSTODYLINE_JWT_SECRET", secret); err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return printJSON(map[string]string{
					"config": path,
					"payer":  signer.PublicKey(),
					"cache":  db.Path(workspace),
					"ledger": db.LedgerPath(workspace),
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var insecure, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret: viper.GetString("jwt-secret"),
					Disabled:  insecure,
					DevLogin:  devLogin,
				}
				if authCfg.JWTSecret == "" && !insecure {
					return fmt.Errorf("CUSTODYLINE_JWT_SECRET is required for bearer auth (or pass --insecure)")
				}
				if insecure {
					a.Log.Warn("authentication disabled")
				}
				basePath := viper.GetString("base-path")
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Keys:     a.Repo,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      a.Log.Named("http"),
				})
				if err != nil {
					return err
				}

				go func() {
					for perr := range a.Projector.Errors() {
						a.Log.Error("projection abandoned; awaiting sweep",
							zap.String("projection", perr.Projection.Name),
							zap.String("batch", perr.Projection.Batch),
							zap.Error(perr.Err))
					}
				}()
				if interval := a.Config.Reconcile.Interval; interval > 0 {
					go a.Engine.Reconciler.Run(ctx, interval)
				}

				addr := viper.GetString("addr")
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				a.Log.Info("serving custodyline API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("openapi", basePath+"/openapi.json"),
					zap.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "serve without authentication (development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func partnerCmd() *cobra.Command {
	p := &cobra.Command{Use: "partner", Short: "Manage supply-chain partners"}
	p.AddCommand(partnerAddCmd())
	p.AddCommand(partnerListCmd())
	return p
}

func partnerAddCmd() *cobra.Command {
	var opts engine.CreatePartnerOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a partner under a brand owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePartner(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.PublicKey, "key", "", "partner public key (base58)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "partner name")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role: "+strings.Join(domain.Roles, ", "))
	cmd.Flags().StringVar(&opts.ContactEmail, "email", "", "contact email")
	cmd.Flags().StringVar(&opts.BrandOwnerKey, "owner", "", "brand owner key (base58)")
	return cmd
}

func partnerListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List partners of a brand owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPartners(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Role", "Public key", "Email"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Role, p.PublicKey, p.ContactEmail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "brand owner key (base58)")
	return cmd
}

func batchCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "batch",
		Short: "Create batches and record their custody",
		Long:  "Batches move inProgress -> completed. Only the current holder adds stages or transfers; only the brand owner finalizes.",
	}
	b.AddCommand(batchCreateCmd())
	b.AddCommand(batchListCmd())
	b.AddCommand(batchShowCmd())
	b.AddCommand(batchStageCmd())
	b.AddCommand(batchTransferCmd())
	b.AddCommand(batchFinalizeCmd())
	return b
}

func batchCreateCmd() *cobra.Command {
	var opts engine.CreateBatchOptions
	var meta string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a batch on the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			opts.Metadata = m
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateBatch(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "batch id (at most 32 bytes)")
	cmd.Flags().StringVar(&opts.BrandOwnerKey, "owner", "", "brand owner key (base58)")
	cmd.Flags().StringVar(&opts.InitialHolderKey, "holder", "", "initial holder key (base58)")
	cmd.Flags().StringVar(&opts.ProducerName, "producer", "", "producer name")
	cmd.Flags().StringSliceVar(&opts.ParticipantIDs, "participant", nil, "partner id allowed to receive the batch (repeatable)")
	cmd.Flags().StringVar(&meta, "metadata", "", "JSON object folded into the data hash")
	return cmd
}

func batchListCmd() *cobra.Command {
	var opts engine.ListBatchesOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches a key owns or holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBatches(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Batch", "Address", "Status", "Holder", "Stages"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.OnchainID, b.Address, b.Status, b.CurrentHolderKey, b.NextStageIndex})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.UserKey, "user", "", "owner or holder key (base58)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum batches")
	return cmd
}

func batchShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <address>",
		Short: "Show a batch with its cast and stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetBatchDetails(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				b := d.Batch
				fmt.Printf("%s  %s\nstatus: %s  holder: %s  owner: %s\n", b.OnchainID, b.Address, b.Status, b.CurrentHolderKey, b.BrandOwnerKey)
				tw := newTable(table.Row{"#", "Stage", "Actor", "Timestamp", "Data hash"})
				for _, s := range d.Stages {
					tw.AppendRow(table.Row{s.Index, s.StageName, s.Actor, s.Timestamp, s.StageDataHash})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func batchStageCmd() *cobra.Command {
	var opts engine.AddStageOptions
	var meta string
	cmd := &cobra.Command{
		Use:   "stage <address>",
		Short: "Append a processing stage as the current holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMetadata(meta)
			if err != nil {
				return err
			}
			opts.BatchAddress = args[0]
			opts.Metadata = m
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.AddStage(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.UserKey, "as", "", "acting key (base58)")
	cmd.Flags().StringVar(&opts.StageName, "name", "", "stage name (at most 32 bytes)")
	cmd.Flags().StringVar(&meta, "metadata", "", "JSON object folded into the stage hash")
	return cmd
}

func batchTransferCmd() *cobra.Command {
	var opts engine.TransferOptions
	cmd := &cobra.Command{
		Use:   "transfer <address>",
		Short: "Hand the batch to another participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BatchAddress = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.TransferCustody(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CurrentHolderKey, "as", "", "current holder key (base58)")
	cmd.Flags().StringVar(&opts.NewHolderPartnerID, "to", "", "partner id of the new holder")
	return cmd
}

func batchFinalizeCmd() *cobra.Command {
	var opts engine.FinalizeOptions
	cmd := &cobra.Command{
		Use:   "finalize <address>",
		Short: "Close the batch as its brand owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BatchAddress = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.FinalizeBatch(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.BrandOwnerKey, "as", "", "brand owner key (base58)")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var batch string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair the cache from the ledger (one batch or a full sweep)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if batch != "" {
					out, err := e.ReconcileBatch(ctx, batch)
					if err != nil {
						return err
					}
					return printJSON(out)
				}
				res, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&batch, "batch", "", "batch address")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Custody event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var batch string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					evts []domain.Event
					err  error
				)
				if batch != "" {
					evts, err = e.ListEvents(ctx, batch, n, "")
				} else {
					evts, err = e.LatestEvents(ctx, "", n, "")
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable(table.Row{"Time", "Type", "Batch", "Actor", "Payload"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.BatchAddress, ev.ActorKey, ev.PayloadJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&batch, "batch", "", "only events of this batch")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var principal, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key that acts as a principal key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" {
				return fmt.Errorf("--principal required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 0, 32)
				for i := 0; i < 2; i++ {
					id := uuid.New()
					raw = append(raw, id[:]...)
				}
				secret := "cl_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:           uuid.NewString(),
					PrincipalKey: principal,
					Name:         name,
					KeyHash:      repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "principal_key": principal, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal key (base58)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var principal string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, principal)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "principal key filter")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, async bool, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Async: async})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, false, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, false, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Repo)
	})
}

func parseMetadata(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid --metadata: %w", err)
	}
	return m, nil
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
