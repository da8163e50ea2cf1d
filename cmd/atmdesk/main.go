package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"atmdesk/internal/bpm"
	"atmdesk/internal/config"
	"atmdesk/internal/db"
	"atmdesk/internal/domain"
	"atmdesk/internal/engine"
	"atmdesk/internal/migrate"
	"atmdesk/internal/repo"
	"atmdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "atmdesk",
	Short: "ATMDesk CLI",
	Long: `ATMDesk tracks ATM hardware incidents through an external workflow engine.
It starts and aborts incident runs, pulls the engine's human tasks per
capability group, drives claim/start/complete transitions and projects task
outputs onto the locally stored incident record used for reporting.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("ATMDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "local-user", "acting user")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(incidentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default atmdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
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
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	return cmd
}

func incidentCmd() *cobra.Command {
	inc := &cobra.Command{Use: "incident", Short: "Manage incidents"}
	inc.AddCommand(incidentCreateCmd())
	inc.AddCommand(incidentListCmd())
	inc.AddCommand(incidentShowCmd())
	inc.AddCommand(incidentReportCmd())
	inc.AddCommand(incidentAbortCmd())
	inc.AddCommand(incidentStatsCmd())
	return inc
}

func incidentCreateCmd() *cobra.Command {
	var atmID, errorType, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start an incident process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.StartIncidentProcess(ctx, engine.StartIncidentOptions{
					AtmID:       atmID,
					ErrorType:   errorType,
					Description: description,
					CreatedBy:   viper.GetString("user"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&atmID, "atm", "", "ATM identifier")
	cmd.Flags().StringVar(&errorType, "error-type", "", "hardware error type")
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	_ = cmd.MarkFlagRequired("atm")
	_ = cmd.MarkFlagRequired("error-type")
	return cmd
}

func incidentListCmd() *cobra.Command {
	var f repo.IncidentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIncidents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Number", "Run", "ATM", "Error", "Status", "Type", "Created"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.IncidentNumber, in.CorrelationID, in.AtmID, in.ErrorType, in.Status, in.IncidentType, in.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AtmID, "atm", "", "ATM filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "creator filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func incidentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <correlation-id>",
		Short: "Show the incident owning a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			correlationID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("correlation id must be an integer: %w", err)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				in, err := r.GetIncidentByCorrelationID(ctx, correlationID)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func incidentReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <correlation-id>",
		Short: "Full incident report with live run variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			correlationID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("correlation id must be an integer: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.GetIncidentReport(ctx, correlationID)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func incidentAbortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort <correlation-id>",
		Short: "Abort an incident run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			correlationID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("correlation id must be an integer: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.AbortIncidentProcess(ctx, correlationID, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	return cmd
}

func incidentStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Incident counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountIncidentsByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(counts)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage workflow tasks"}
	t.AddCommand(taskSyncCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskClaimCmd())
	t.AddCommand(taskStartCmd())
	t.AddCommand(taskReleaseCmd())
	t.AddCommand(taskCompleteCmd())
	t.AddCommand(taskStageCmd())
	return t
}

func taskSyncCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync a group's tasks from the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if group == "" {
					byGroup, err := e.SyncAllGroups(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(byGroup)
				}
				tasks, err := e.SyncTasksForGroup(ctx, group)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "capability group (default all configured)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var group, user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked tasks by group or assignee",
		RunE: func(cmd *cobra.Command, args []string) error {
			if group == "" && user == "" {
				return fmt.Errorf("one of --group or --assignee is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var tasks []domain.Task
				var err error
				if group != "" {
					tasks, err = e.GroupTasks(ctx, group)
				} else {
					tasks, err = e.UserTasks(ctx, user)
				}
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "capability group")
	cmd.Flags().StringVar(&user, "assignee", "", "assigned user")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-instance-id>",
		Short: "Show a tracked task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTaskByInstanceID(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	return taskTransitionCmd("claim", "Claim a ready task", engine.Engine.ClaimTask)
}

func taskStartCmd() *cobra.Command {
	return taskTransitionCmd("start", "Start a claimed task", engine.Engine.StartTask)
}

func taskReleaseCmd() *cobra.Command {
	return taskTransitionCmd("release", "Release a claimed task", engine.Engine.ReleaseTask)
}

func taskTransitionCmd(verb, short string, fn func(engine.Engine, context.Context, int64, string) (domain.Task, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <task-instance-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := fn(e, ctx, id, viper.GetString("user"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "complete <task-instance-id>",
		Short: "Smart-complete a task with raw output data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			outputData := map[string]any{}
			if output != "" {
				if err := json.Unmarshal([]byte(output), &outputData); err != nil {
					return fmt.Errorf("parse --output: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SmartCompleteTask(ctx, id, viper.GetString("user"), outputData)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "output data as a JSON object")
	return cmd
}

func taskStageCmd() *cobra.Command {
	stage := &cobra.Command{Use: "stage", Short: "Complete stage tasks"}

	var initialDiagnosis string
	process := &cobra.Command{
		Use:   "process <task-instance-id>",
		Short: "Complete the intake stage",
		Args:  cobra.ExactArgs(1),
		RunE: stageRunE(func(ctx context.Context, e engine.Engine, id int64) (domain.Task, error) {
			return e.CompleteProcessIncidentTask(ctx, id, viper.GetString("user"), initialDiagnosis)
		}),
	}
	process.Flags().StringVar(&initialDiagnosis, "diagnosis", "", "initial diagnosis")

	var incidentType string
	analyze := &cobra.Command{
		Use:   "analyze <task-instance-id>",
		Short: "Complete the triage stage",
		Args:  cobra.ExactArgs(1),
		RunE: stageRunE(func(ctx context.Context, e engine.Engine, id int64) (domain.Task, error) {
			return e.CompleteAnalyzeIncidentTask(ctx, id, viper.GetString("user"), incidentType)
		}),
	}
	analyze.Flags().StringVar(&incidentType, "type", "", "incident classification")

	var assessmentDetails, assessTicket string
	assess := &cobra.Command{
		Use:   "assess <task-instance-id>",
		Short: "Complete the assessment stage",
		Args:  cobra.ExactArgs(1),
		RunE: stageRunE(func(ctx context.Context, e engine.Engine, id int64) (domain.Task, error) {
			return e.CompleteAssessIncidentTask(ctx, id, viper.GetString("user"), assessmentDetails, assessTicket)
		}),
	}
	assess.Flags().StringVar(&assessmentDetails, "details", "", "assessment details")
	assess.Flags().StringVar(&assessTicket, "ticket", "", "supplier ticket number")

	var reimbursementDetails string
	approve := &cobra.Command{
		Use:   "approve <task-instance-id>",
		Short: "Complete the insurance stage",
		Args:  cobra.ExactArgs(1),
		RunE: stageRunE(func(ctx context.Context, e engine.Engine, id int64) (domain.Task, error) {
			return e.CompleteApproveInsuranceTask(ctx, id, viper.GetString("user"), reimbursementDetails)
		}),
	}
	approve.Flags().StringVar(&reimbursementDetails, "details", "", "reimbursement details")

	var procurementDetails string
	procure := &cobra.Command{
		Use:   "procure <task-instance-id>",
		Short: "Complete the procurement stage",
		Args:  cobra.ExactArgs(1),
		RunE: stageRunE(func(ctx context.Context, e engine.Engine, id int64) (domain.Task, error) {
			return e.CompleteProcureItemsTask(ctx, id, viper.GetString("user"), procurementDetails)
		}),
	}
	procure.Flags().StringVar(&procurementDetails, "details", "", "procurement details")

	var resolutionDetails, resolveTicket string
	resolve := &cobra.Command{
		Use:   "resolve <task-instance-id>",
		Short: "Complete the resolution stage",
		Args:  cobra.ExactArgs(1),
		RunE: stageRunE(func(ctx context.Context, e engine.Engine, id int64) (domain.Task, error) {
			return e.CompleteResolveIncidentTask(ctx, id, viper.GetString("user"), resolutionDetails, resolveTicket)
		}),
	}
	resolve.Flags().StringVar(&resolutionDetails, "details", "", "resolution details")
	resolve.Flags().StringVar(&resolveTicket, "ticket", "", "supplier ticket number")

	var closureDetails string
	closeCmd := &cobra.Command{
		Use:   "close <task-instance-id>",
		Short: "Complete the closing stage",
		Args:  cobra.ExactArgs(1),
		RunE: stageRunE(func(ctx context.Context, e engine.Engine, id int64) (domain.Task, error) {
			return e.CompleteCloseIncidentTask(ctx, id, viper.GetString("user"), closureDetails)
		}),
	}
	closeCmd.Flags().StringVar(&closureDetails, "details", "", "closure details")

	stage.AddCommand(process, analyze, assess, approve, procure, resolve, closeCmd)
	return stage
}

func stageRunE(fn func(context.Context, engine.Engine, int64) (domain.Task, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			t, err := fn(ctx, e, id)
			if err != nil {
				return err
			}
			return printJSONOrTable(t)
		})
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Change log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var incidentID int64
	var evtType, entityKind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, incidentID, evtType, entityKind)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&incidentID, "incident", 0, "incident id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, bpm.NewClient(cfg.Engine), cfg)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
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
			fmt.Printf("Serving ATMDesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, bpm.NewClient(cfg.Engine), cfg)
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

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("task instance id must be an integer: %w", err)
	}
	return id, nil
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Instance", "Name", "Group", "User", "Status", "Created"})
	for _, t := range tasks {
		user := ""
		if t.AssignedUser != nil {
			user = *t.AssignedUser
		}
		tw.AppendRow(table.Row{t.TaskInstanceID, t.TaskName, t.AssignedGroup, user, t.Status, t.CreatedAt})
	}
	tw.Render()
	return nil
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
