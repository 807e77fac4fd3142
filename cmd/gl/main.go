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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/events"
	"gateline/internal/migrate"
	"gateline/internal/replay"
	"gateline/internal/server"
	"gateline/internal/store"
	"gateline/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline runs phase-gated engineering tasks with provable transitions.
A task moves draft -> critic_passed -> frozen -> plan_approved -> executing ->
ready_validated -> ready_approved -> retro_done -> closed; every transition is
backed by a proof artifact and an append-only event, and 'gl replay' verifies
the whole history against the files on disk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a non-zero exit code out of a RunE so deferred cleanup in
// withEngine still runs; main converts it to os.Exit.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(20)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "module root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "engine log level")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress engine log mirroring to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(sliceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var moduleID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a module workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if moduleID == "" {
				return fmt.Errorf("--module required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(moduleID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Initialized gateline module %s (config at %s)\n", moduleID, cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&moduleID, "module", "", "module id")
	_ = cmd.MarkFlagRequired("module")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are phase-gated units of work. They carry a plan, frozen slice specs, proofs per gate, and approvals; every phase change appends an event.",
	}
	task.AddCommand(taskNewCmd())
	task.AddCommand(taskCriticPassCmd())
	task.AddCommand(taskFreezeCmd())
	task.AddCommand(taskApprovePlanCmd())
	task.AddCommand(taskAcceptCmd())
	task.AddCommand(taskValidateReadyCmd())
	task.AddCommand(taskApproveReadyCmd())
	task.AddCommand(taskRetroCmd())
	task.AddCommand(taskCloseCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskNewCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var planFile, slicesFile string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a task with its plan and slice specs",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Actor = viper.GetString("actor-id")
			if planFile != "" {
				data, err := os.ReadFile(planFile)
				if err != nil {
					return err
				}
				opts.Plan = data
			}
			if slicesFile != "" {
				data, err := os.ReadFile(slicesFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &opts.Slices); err != nil {
					return fmt.Errorf("invalid slices file: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&opts.Profile, "profile", "", "gate profile (defaults to config)")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", 0, "default attempt budget per slice")
	cmd.Flags().StringVar(&planFile, "plan", "", "path to plan markdown")
	cmd.Flags().StringVar(&slicesFile, "slices", "", "path to slice specs JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskCriticPassCmd() *cobra.Command {
	return taskTransitionCmd("critic-pass", "Record that the plan survived critic review",
		func(ctx context.Context, e engine.Engine, taskID string) (any, error) {
			return e.CriticPass(ctx, taskID, viper.GetString("actor-id"))
		})
}

func taskFreezeCmd() *cobra.Command {
	return taskTransitionCmd("freeze", "Freeze the plan and slice specs by content hash",
		func(ctx context.Context, e engine.Engine, taskID string) (any, error) {
			return e.FreezeTask(ctx, taskID, viper.GetString("actor-id"))
		})
}

func taskCloseCmd() *cobra.Command {
	return taskTransitionCmd("close", "Close a task (terminal)",
		func(ctx context.Context, e engine.Engine, taskID string) (any, error) {
			return e.CloseTask(ctx, taskID, viper.GetString("actor-id"))
		})
}

// taskTransitionCmd covers the single-argument phase commands that share the
// same shape.
func taskTransitionCmd(use, short string, fn func(context.Context, engine.Engine, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func taskApprovePlanCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "approve-plan <task>",
		Short: "Record the plan sign-off (fails on freeze drift)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				appr, err := e.ApprovePlan(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printJSONOrTable(appr)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "approval note")
	return cmd
}

func taskAcceptCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "accept <task>",
		Short: "Record user acceptance (required by profiles with require_acceptance)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				appr, err := e.RecordAcceptance(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printJSONOrTable(appr)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "acceptance note")
	return cmd
}

func taskValidateReadyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-ready <task>",
		Short: "Run the aggregate ready gate and write the handoff document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proof, err := e.ValidateReady(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(proof); err != nil {
						return err
					}
				} else {
					renderReadyProof(proof)
				}
				if !proof.Passed {
					return exitError{code: 10}
				}
				return nil
			})
		},
	}
	return cmd
}

func taskApproveReadyCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "approve-ready <task>",
		Short: "Record the readiness sign-off after validation passed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				appr, err := e.ApproveReady(ctx, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printJSONOrTable(appr)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "approval note")
	return cmd
}

func taskRetroCmd() *cobra.Command {
	var narrative, narrativeFile, summary string
	var changes []string
	cmd := &cobra.Command{
		Use:   "retro <task>",
		Short: "Record the retrospective narrative and patch proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if narrativeFile != "" {
				data, err := os.ReadFile(narrativeFile)
				if err != nil {
					return err
				}
				narrative = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				patch := domain.RetroPatch{Summary: summary, Changes: changes}
				if err := e.CompleteRetro(ctx, args[0], viper.GetString("actor-id"), narrative, patch); err != nil {
					return err
				}
				fmt.Printf("Retro recorded for task %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&narrative, "narrative", "", "retro narrative text")
	cmd.Flags().StringVar(&narrativeFile, "narrative-file", "", "path to retro narrative markdown")
	cmd.Flags().StringVar(&summary, "summary", "", "patch proposal summary")
	cmd.Flags().StringArrayVar(&changes, "change", nil, "proposed change (repeatable)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task>",
		Short: "Show a task and its slice states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Store.ReadTask(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				reason := ""
				if t.BlockedReason != nil {
					reason = " (" + *t.BlockedReason + ")"
				}
				fmt.Printf("Task: %s  %s\nStatus: %s%s\nProfile: %s\n", t.ID, t.Title, t.Status, reason, t.Profile)
				if len(t.Slices) == 0 {
					fmt.Println("Slices: none run yet")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Slice", "Status", "Attempts", "Last Error"})
				for id, sl := range t.Slices {
					tw.AppendRow(table.Row{id, sl.Status, fmt.Sprintf("%d/%d", sl.Attempts, sl.MaxAttempts), sl.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in this module",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids, err := e.Store.ListTaskIDs()
				if err != nil {
					return err
				}
				var tasks []domain.Task
				for _, id := range ids {
					t, err := e.Store.ReadTask(id)
					if err != nil {
						return err
					}
					tasks = append(tasks, t)
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Profile", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Profile, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sliceCmd() *cobra.Command {
	slice := &cobra.Command{
		Use:   "slice",
		Short: "Run and review slices",
		Long:  "A slice is one gated unit of a task's plan. 'slice run' executes one attempt through scope, verify, review and e2e; 'slice review' records reviewer findings consumed by the review gate.",
	}
	slice.AddCommand(sliceRunCmd())
	slice.AddCommand(sliceReviewCmd())
	return slice
}

func sliceRunCmd() *cobra.Command {
	var implement string
	cmd := &cobra.Command{
		Use:   "run <task> <slice>",
		Short: "Run one gated attempt for a slice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RunSlice(ctx, engine.RunSliceOptions{
					TaskID:    args[0],
					SliceID:   args[1],
					Implement: implement,
					Actor:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					fmt.Printf("Attempt %d: %s", res.Attempt, res.Outcome)
					if res.FailedGate != "" {
						fmt.Printf(" at %s gate", res.FailedGate)
					}
					fmt.Println()
					if res.Message != "" {
						fmt.Println(" ", res.Message)
					}
					if res.ManifestPath != "" {
						fmt.Println("  proof pack:", res.ManifestPath)
					}
				}
				if code := outcomeExit(res.Outcome); code != 0 {
					return exitError{code: code}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&implement, "implement", "", "implement command to run before the gates")
	return cmd
}

func sliceReviewCmd() *cobra.Command {
	var in domain.ReviewInput
	cmd := &cobra.Command{
		Use:   "review <task> <slice>",
		Short: "Record reviewer severity counts for a slice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ReviewedBy = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RecordReview(ctx, args[0], args[1], in); err != nil {
					return err
				}
				fmt.Printf("Review recorded for %s/%s (p0=%d p1=%d p2=%d p3=%d)\n", args[0], args[1], in.P0, in.P1, in.P2, in.P3)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&in.P0, "p0", 0, "critical findings")
	cmd.Flags().IntVar(&in.P1, "p1", 0, "major findings")
	cmd.Flags().IntVar(&in.P2, "p2", 0, "minor findings (advisory)")
	cmd.Flags().IntVar(&in.P3, "p3", 0, "nit findings (advisory)")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "free-text notes")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID, sliceID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.Events.Query(ctx, events.Filter{
					Type: evtType, TaskID: taskID, SliceID: sliceID, Limit: n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Task", "Slice", "Actor"})
				for _, ev := range evs {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.TaskID, ev.SliceID, ev.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	cmd.Flags().StringVar(&sliceID, "slice", "", "slice id filter")
	return cmd
}

func replayCmd() *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the event log and verify it against the artifacts on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				checker := replay.Checker{Store: e.Store, Events: e.Events, Window: window}
				rep, err := checker.Run(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(rep); err != nil {
						return err
					}
				} else {
					renderReplayReport(rep)
				}
				if rep.Status != "ok" {
					return exitError{code: 30}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "max events replayed (default 500)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATELINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger, closer, err := telemetry.NewLogger(workspace, viper.GetString("log-level"), viper.GetBool("quiet"))
	if err != nil {
		return err
	}
	defer closer.Close()
	e := engine.New(store.New(workspace), events.New(conn), cfg, logger)
	return fn(ctx, e)
}

// outcomeExit maps slice/gate outcomes to the exit-code contract consumed by
// calling tools.
func outcomeExit(outcome string) int {
	switch outcome {
	case "ok":
		return 0
	case "blocked", "gate_failed", "review_failed", "failed":
		return 10
	case "replay_failed", "invariant_failed":
		return 30
	default:
		return 20
	}
}

func renderReadyProof(proof domain.Proof) {
	status := "READY"
	if !proof.Passed {
		status = "NOT READY"
	}
	fmt.Println("Readiness:", status)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Check", "Passed", "Message"})
	for _, c := range proof.Checks {
		tw.AppendRow(table.Row{c.Name, c.Passed, c.Message})
	}
	tw.Render()
}

func renderReplayReport(rep replay.Report) {
	fmt.Printf("Replay: %s (%d events, %d violations)\n", rep.Status, rep.Events, len(rep.Violations))
	if len(rep.Violations) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Kind", "Task", "Slice", "Message"})
	for _, v := range rep.Violations {
		tw.AppendRow(table.Row{v.Kind, v.TaskID, v.SliceID, v.Message})
	}
	tw.Render()
	if rep.Recommendation != "" {
		fmt.Println("Suggested next step:", rep.Recommendation)
	}
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
