package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"execops/internal/config"
	"execops/internal/db"
	"execops/internal/domain"
	"execops/internal/engine"
	"execops/internal/migrate"
	"execops/internal/policy"
	"execops/internal/repo"
	"execops/internal/server"
	"execops/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "xo",
	Short: "Execops CLI",
	Long: `Execops turns operational events into human-approved actions.
How it works:
- Events: webhooks from sentry, github, stripe, intercom, zendesk (or 'xo ingest') land in the event log, deduplicated by (source, external_id).
- Verticals: each event routes to a pipeline (release_hygiene, runway_money, customer_fire, team_pulse, or general) that drafts an action proposal with a confidence score.
- Proposals: nothing runs until a human approves. Low-confidence drafts are flagged and demoted, never dropped.
- Execution: approved proposals run through action adapters (slack_dm, email, webhook, command, api_call) with idempotency keys, so retries never fire twice.
- Policies: markdown rules in the policy dir annotate proposals with severity; 'xo policy lint' checks them.
- Audit: every transition lands in the audit log, view with 'xo log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("EXECOPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook: dedup window, confidence floor, vertical thresholds, integration endpoints, and worker settings, read from execops.yml.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default execops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "execops", "service name")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func ingestCmd() *cobra.Command {
	var source, evtType, externalID, payloadJSON, payloadFile string
	var noPropose bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest an event and draft a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				payloadJSON = string(data)
			}
			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid payload JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				ev, dup, err := e.IngestEvent(ctx, engine.IngestOptions{
					Source:     source,
					Type:       evtType,
					ExternalID: externalID,
					Payload:    payload,
					ActorID:    actor,
				})
				if err != nil {
					return err
				}
				if dup {
					fmt.Printf("Duplicate delivery, original event %s\n", ev.ID)
					return nil
				}
				if noPropose {
					return printJSON(ev)
				}
				res, err := e.Propose(ctx, ev.ID, actor)
				if err != nil {
					var dupErr engine.DuplicateError
					if errors.As(err, &dupErr) {
						fmt.Printf("Suppressed: active proposal %s covers this already\n", dupErr.ExistingID)
						return nil
					}
					return err
				}
				if res.Outcome == "no_action" {
					fmt.Printf("Event %s recorded, no action needed\n", ev.ID)
					return nil
				}
				return printJSON(res.Proposal)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "event source (sentry, github, stripe, intercom, zendesk, manual)")
	cmd.Flags().StringVar(&evtType, "type", "", "event type")
	cmd.Flags().StringVar(&externalID, "external-id", "", "provider delivery id for dedup")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "event payload JSON")
	cmd.Flags().StringVar(&payloadFile, "file", "", "read payload JSON from a file")
	cmd.Flags().BoolVar(&noPropose, "no-propose", false, "record the event without drafting a proposal")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{
		Use:   "event",
		Short: "Inspect events",
	}
	evt.AddCommand(eventListCmd())
	evt.AddCommand(eventShowCmd())
	evt.AddCommand(eventProposeCmd())
	return evt
}

func eventListCmd() *cobra.Command {
	var f repo.EventFilters
	var processed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("processed") {
				f.Processed = &processed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Source", "Type", "Received", "Processed"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Source, it.Type, it.ReceivedAt, it.Processed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Source, "source", "", "source filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().BoolVar(&processed, "processed", false, "processed filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func eventShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Repo.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	return cmd
}

func eventProposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "propose <id>",
		Short: "Run an event through its vertical pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Propose(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if res.Outcome != "proposed" {
					fmt.Println("outcome:", res.Outcome)
					return nil
				}
				return printJSON(res.Proposal)
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Review and act on proposals",
		Long:  "Proposals are drafted actions waiting for a human. Approve to run them through the action adapters, reject with a reason to record why not.",
	}
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalCreateCmd())
	p.AddCommand(proposalApproveCmd())
	p.AddCommand(proposalRejectCmd())
	p.AddCommand(proposalExecuteCmd())
	return p
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Vertical", "Action", "Urgency", "Confidence", "Status", "Title"})
				for _, it := range items {
					conf := fmt.Sprintf("%.2f", it.Confidence)
					if it.LowConfidence {
						conf += " (low)"
					}
					tw.AppendRow(table.Row{it.ID, it.Vertical, it.ActionType, it.Urgency, conf, it.Status, it.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending_approval, approved, rejected, executed)")
	cmd.Flags().StringVar(&f.Vertical, "vertical", "", "vertical filter")
	cmd.Flags().StringVar(&f.Urgency, "urgency", "", "urgency filter (low, medium, high, critical)")
	cmd.Flags().StringVar(&f.EventID, "event", "", "event id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	var withExecutions bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				if !withExecutions {
					return printJSON(p)
				}
				execs, err := e.Repo.ListExecutions(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"proposal": p, "executions": execs})
			})
		},
	}
	cmd.Flags().BoolVar(&withExecutions, "executions", false, "include execution history")
	return cmd
}

func proposalCreateCmd() *cobra.Command {
	var opts engine.ManualProposalOptions
	var paramsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a manual proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &opts.Params); err != nil {
					return fmt.Errorf("invalid params JSON: %w", err)
				}
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateManualProposal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ActionType, "action-type", "", "action type (slack_dm, email, webhook, command, api_call)")
	cmd.Flags().StringVar(&opts.Target, "target", "", "action target")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Body, "body", "", "body text")
	cmd.Flags().StringVar(&paramsJSON, "params-json", "", "action params JSON")
	cmd.Flags().StringVar(&opts.Urgency, "urgency", "medium", "urgency (low, medium, high, critical)")
	_ = cmd.MarkFlagRequired("action-type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func proposalApproveCmd() *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("actor-id")
				p, err := e.Decide(ctx, args[0], true, actor, "")
				if err != nil {
					return err
				}
				if !execute {
					return printJSON(p)
				}
				exec, err := e.Execute(ctx, p.ID, actor, false)
				if err != nil {
					return err
				}
				return printJSON(exec)
			})
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "execute immediately after approval")
	return cmd
}

func proposalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Decide(ctx, args[0], false, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the proposal is rejected")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func proposalExecuteCmd() *cobra.Command {
	var newAttempt bool
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute approved proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.Execute(ctx, args[0], viper.GetString("actor-id"), newAttempt)
				if err != nil {
					var execErr engine.ExecutionError
					if errors.As(err, &execErr) {
						_ = printJSON(exec)
					}
					return err
				}
				return printJSON(exec)
			})
		},
	}
	cmd.Flags().BoolVar(&newAttempt, "new-attempt", false, "start a fresh attempt instead of retrying the failed one")
	return cmd
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "policy",
		Short: "Manage policy rules",
		Long:  "Policy rules are markdown files (## Trigger, ## Condition, ## Action) that annotate matching proposals with severity.",
	}
	p.AddCommand(policyListCmd())
	p.AddCommand(policyLintCmd())
	return p
}

func policyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded policy rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Rules.Rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Trigger", "Severity", "Action"})
				for _, r := range e.Rules.Rules {
					tw.AppendRow(table.Row{r.ID, r.Trigger, r.Severity, r.Action})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func policyLintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Lint the policy directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			issues, err := policy.Lint(cfg.Policies.Dir)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(issues)
			}
			if len(issues) == 0 {
				fmt.Println("policies OK")
				return nil
			}
			for _, issue := range issues {
				fmt.Printf("%s: %s\n", issue.File, issue.Message)
			}
			return fmt.Errorf("%d policy issue(s)", len(issues))
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
		Long:  "The diary of everything that happened: events ingested, proposals created, decisions, executions.",
	}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var f repo.AuditFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListAudit(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "Entity", "Actor"})
				for _, a := range entries {
					tw.AppendRow(table.Row{a.TS, a.Action, a.EntityKind + "/" + a.EntityID, a.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyDeleteCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": secret})
				}
				fmt.Printf("API key %s created. Store the secret now, it is not saved:\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, key := range keys {
					lastUsed := "never"
					if key.LastUsedAt != nil {
						lastUsed = *key.LastUsedAt
					}
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			rules, err := policy.Load(cfg.Policies.Dir)
			if err != nil {
				return err
			}
			e.Rules = rules

			authCfg := server.AuthConfig{JWTSecret: os.Getenv("EXECOPS_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("EXECOPS_JWT_SECRET is required for bearer auth")
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			workers := worker.New(e, cfg.Worker.Concurrency, logger)
			workers.Start(cmd.Context())
			defer workers.Stop()

			handler, err := server.New(server.Config{Engine: e, Workers: workers, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			shutdownDone := make(chan struct{})
			go func() {
				defer close(shutdownDone)
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Execops API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			// Handlers may still be draining when ListenAndServe returns;
			// workers stop only after shutdown completes.
			<-shutdownDone
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("execops")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	rules, err := policy.Load(cfg.Policies.Dir)
	if err != nil {
		return err
	}
	e.Rules = rules
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
