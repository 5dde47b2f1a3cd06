package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/audit"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/guardrails"
	"gateline/internal/repo"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline is the orchestration core of a software-delivery control panel.
Issues walk a fixed lifecycle (CREATED -> SPEC_READY -> IMPLEMENTING ->
VERIFIED -> MERGE_READY -> DONE, with HOLD and KILLED as exits), every
mutation lands on an append-only timeline, merge readiness is gated on
review approval and passing checks, and guardrails preflight governed
writes before they touch anything external.`,
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
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("panel", "", "panel id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("panel", rootCmd.PersistentFlags().Lookup("panel"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(gateRunCmd())
	rootCmd.AddCommand(preflightCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gateline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			panelID := viper.GetString("panel")
			if panelID == "" {
				panelID = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(panelID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Issue counts per lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountIssuesByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"panel_id":     e.Config.Panel.ID,
					"issue_counts": counts,
				})
			})
		},
	}
	return cmd
}

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Manage issues"}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueStepCmd())
	issue.AddCommand(issueSetPRCmd())
	issue.AddCommand(issueGateCmd())
	issue.AddCommand(issueMergeReadyCmd())
	issue.AddCommand(issueLinkCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var title, desc, owner, repoName, branch string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.CreateIssue(ctx, engine.IssueCreateOptions{
					Title:       title,
					Description: desc,
					RepoOwner:   owner,
					RepoName:    repoName,
					Branch:      branch,
					Actor:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "issue title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&owner, "repo-owner", "", "target repository owner")
	cmd.Flags().StringVar(&repoName, "repo-name", "", "target repository name")
	cmd.Flags().StringVar(&branch, "branch", "", "target branch")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func issueListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Repo", "PR"})
				for _, i := range issues {
					repoRef := ""
					if i.RepoOwner != "" {
						repoRef = i.RepoOwner + "/" + i.RepoName
					}
					pr := ""
					if i.PRNumber != nil {
						pr = fmt.Sprintf("#%d", *i.PRNumber)
					}
					tw.AppendRow(table.Row{i.ID, i.Title, i.Status, repoRef, pr})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max issues")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.Repo.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	return cmd
}

func issueStepCmd() *cobra.Command {
	var dryRun bool
	var runID string
	cmd := &cobra.Command{
		Use:       "step <issue-id> <step>",
		Short:     "Execute a lifecycle step",
		Long:      "Steps: " + strings.Join(engine.StepNames(), ", "),
		Args:      cobra.ExactArgs(2),
		ValidArgs: engine.StepNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req := engine.StepRequest{
					IssueID: args[0],
					Step:    args[1],
					RunID:   runID,
					Actor:   viper.GetString("actor-id"),
				}
				if dryRun {
					req.Mode = engine.ModeDryRun
				}
				res, err := e.ExecuteStep(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without mutating")
	cmd.Flags().StringVar(&runID, "run-id", "", "correlate with a run")
	return cmd
}

func issueSetPRCmd() *cobra.Command {
	var pr int
	cmd := &cobra.Command{
		Use:   "set-pr <issue-id>",
		Short: "Attach a pull request number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pr <= 0 {
				return fmt.Errorf("--pr required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.SetIssuePRNumber(ctx, args[0], pr, now); err != nil {
					return err
				}
				issue, err := e.Repo.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().IntVar(&pr, "pr", 0, "pull request number")
	_ = cmd.MarkFlagRequired("pr")
	return cmd
}

func issueGateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate <issue-id>",
		Short: "Evaluate the merge gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decision, err := e.EvaluateGate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(decision)
			})
		},
	}
	return cmd
}

func issueMergeReadyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge-ready <issue-id>",
		Short: "Advance to MERGE_READY behind the gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.AdvanceMergeReady(ctx, engine.StepRequest{IssueID: args[0], Actor: actor}, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func issueLinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link-github <issue-id>",
		Short: "Mirror the issue to its GitHub repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("issue id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, decision, err := e.LinkGitHubIssue(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if decision.Outcome == guardrails.Deny {
					return fmt.Errorf("blocked by guardrails: %s (request %s)", decision.Code, decision.RequestID)
				}
				return printJSONOrTable(issue)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Implementation runs"}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runStartedCmd())
	run.AddCommand(runFinishedCmd())
	run.AddCommand(runListCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <issue-id>",
		Short: "Queue a run for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.CreateRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runStartedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "started <run-id>",
		Short: "Signal that a run started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.HandleRunStarted(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func runFinishedCmd() *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "finished <run-id>",
		Short: "Signal that a run finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.HandleRunFinished(ctx, args[0], !failed)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "mark the run as failed")
	return cmd
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <issue-id>",
		Short: "List runs for an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListRuns(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	return cmd
}

func gateRunCmd() *cobra.Command {
	gr := &cobra.Command{Use: "gate-run", Short: "Gated remediation runs"}
	gr.AddCommand(gateRunCreateCmd())
	gr.AddCommand(gateRunListCmd())
	return gr
}

func gateRunCreateCmd() *cobra.Command {
	var incidentKey, actionID, inputsJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a remediation attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if incidentKey == "" || actionID == "" {
				return fmt.Errorf("--incident and --action required")
			}
			var inputs map[string]any
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return fmt.Errorf("invalid --inputs json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, created, err := e.CreateGateRun(ctx, incidentKey, actionID, inputs)
				if err != nil {
					return err
				}
				if !created {
					fmt.Println("existing run for identical inputs:")
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&incidentKey, "incident", "", "incident key")
	cmd.Flags().StringVar(&actionID, "action", "", "action id")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "action inputs as JSON object")
	return cmd
}

func gateRunListCmd() *cobra.Command {
	var incidentKey string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List remediation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				runs, err := e.Repo.ListGateRuns(ctx, incidentKey, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(runs)
			})
		},
	}
	cmd.Flags().StringVar(&incidentKey, "incident", "", "incident filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs")
	return cmd
}

func preflightCmd() *cobra.Command {
	var operation, owner, repoName, branch string
	var required []string
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Run the guardrail preflight for an operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operation == "" {
				return fmt.Errorf("--operation required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				decision := e.Preflight(ctx, operation, guardrails.RepoRef{
					Owner: owner, Repo: repoName, Branch: branch,
				}, required, "preflight:"+operation, viper.GetString("actor-id"))
				return printJSONOrTable(decision)
			})
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "operation name")
	cmd.Flags().StringVar(&owner, "repo-owner", "", "target repository owner")
	cmd.Flags().StringVar(&repoName, "repo-name", "", "target repository name")
	cmd.Flags().StringVar(&branch, "branch", "", "target branch")
	cmd.Flags().StringSliceVar(&required, "require", nil, "extra required env keys")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit timeline",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var subject, evtType string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show timeline events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, total, err := e.Timeline.List(ctx, audit.Filter{
					SubjectID: subject,
					EventType: evtType,
					Limit:     limit,
					Offset:    offset,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": events, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Occurred", "Subject", "Type", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.OccurredAt, ev.SubjectID, ev.EventType, ev.Actor})
				}
				tw.Render()
				fmt.Printf("%d of %d events\n", len(events), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&limit, "n", 50, "number of events")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset into the timeline")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP server"}
	key.AddCommand(apikeyMintCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyMintCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// the raw key is shown once and never stored
				fmt.Println(raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Open(viper.GetString("workspace"), viper.GetString("panel"))
			if err != nil {
				return err
			}
			defer env.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	env, err := app.Open(viper.GetString("workspace"), viper.GetString("panel"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
