package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/budget"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/config"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/domain"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/executor"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/ledger"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/notify"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/runtime"
	"github.com/Ascentia-Sandbox/StartInsight-sub002/internal/trigger"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	logsAgent   string
	logsStatus  string
	logsLimit   int
	costsPeriod string
	triggerWait bool

	createSpec agentSpec
)

func init() {
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent definitions",
	}
	agentCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List agents with their runtime state",
			RunE:  runAgentList,
		},
		&cobra.Command{
			Use:   "import FILE",
			Short: "Create or update agents from a YAML file",
			Args:  cobra.ExactArgs(1),
			RunE:  runAgentImport,
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Delete an agent (refused while execution history exists)",
			Args:  cobra.ExactArgs(1),
			RunE:  runAgentFlag("delete"),
		},
		&cobra.Command{
			Use:   "enable NAME",
			Short: "Enable an agent",
			Args:  cobra.ExactArgs(1),
			RunE:  runAgentFlag("enable"),
		},
		&cobra.Command{
			Use:   "disable NAME",
			Short: "Disable an agent",
			Args:  cobra.ExactArgs(1),
			RunE:  runAgentFlag("disable"),
		},
		&cobra.Command{
			Use:   "pause NAME",
			Short: "Pause scheduled runs, manual triggers still work",
			Args:  cobra.ExactArgs(1),
			RunE:  runAgentFlag("pause"),
		},
		&cobra.Command{
			Use:   "resume NAME",
			Short: "Resume scheduled runs",
			Args:  cobra.ExactArgs(1),
			RunE:  runAgentFlag("resume"),
		},
	)

	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a single agent from flags",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentCreate,
	}
	cf := createCmd.Flags()
	cf.StringVar(&createSpec.Provider, "provider", "anthropic", "primary provider")
	cf.StringVar(&createSpec.FallbackProvider, "fallback", "", "fallback provider for transient failures")
	cf.StringVar(&createSpec.Model, "model", "", "model identifier")
	cf.Float64Var(&createSpec.Temperature, "temperature", 0, "sampling temperature")
	cf.IntVar(&createSpec.MaxTokens, "max-tokens", 0, "completion token limit")
	cf.StringVar(&createSpec.Prompt, "prompt", "", "task prompt")
	cf.StringVar(&createSpec.Schedule, "schedule", "manual", "manual|interval|cron")
	cf.IntVar(&createSpec.IntervalHours, "interval-hours", 0, "hours between runs for interval schedules")
	cf.StringVar(&createSpec.CronExpr, "cron", "", "cron expression for cron schedules")
	cf.IntVar(&createSpec.RateLimitPerHour, "rate-limit", 10, "admissions per sliding hour")
	cf.Float64Var(&createSpec.CostLimitDaily, "cost-limit", 5.0, "daily spend cap in USD")
	agentCmd.AddCommand(createCmd)

	triggerCmd := &cobra.Command{
		Use:   "trigger NAME",
		Short: "Start a manual run through the admission gate",
		Args:  cobra.ExactArgs(1),
		RunE:  runTrigger,
	}
	triggerCmd.Flags().BoolVar(&triggerWait, "wait", false, "poll until the run finishes")
	agentCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(agentCmd)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent executions",
		RunE:  runLogs,
	}
	logsCmd.Flags().StringVar(&logsAgent, "agent", "", "filter by agent")
	logsCmd.Flags().StringVar(&logsStatus, "status", "", "filter by status (running|completed|failed)")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "max rows")
	rootCmd.AddCommand(logsCmd)

	costsCmd := &cobra.Command{
		Use:   "costs",
		Short: "Per-agent spend report",
		RunE:  runCosts,
	}
	costsCmd.Flags().StringVar(&costsPeriod, "period", "today", "today|week|month")
	rootCmd.AddCommand(costsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Control plane summary",
		RunE:  runStatus,
	})
}

func openStore() (*config.Config, *ledger.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func stateStyled(state domain.State) string {
	s := string(state)
	switch state {
	case domain.StateRunning:
		return okStyle.Render(s)
	case domain.StateError:
		return errStyle.Render(s)
	case domain.StatePaused:
		return pausedStyle.Render(s)
	case domain.StateDisabled:
		return dimStyle.Render(s)
	default:
		return s
	}
}

func runAgentList(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	agents, err := store.ListAgents()
	if err != nil {
		return err
	}
	latest, err := store.LatestPerAgent()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("NAME\tSTATE\tSCHEDULE\tLAST RUN\tNEXT RUN\tRATE/H\tCAP/DAY"))
	for _, a := range agents {
		state := domain.DeriveState(a, latest[a.Name])
		lastRun := "-"
		if a.LastRunAt != nil {
			lastRun = humanize.Time(*a.LastRunAt)
		}
		nextRun := "-"
		if a.NextRunAt != nil {
			nextRun = humanize.Time(*a.NextRunAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t$%.2f\n",
			a.Name, stateStyled(state), describeSchedule(a.Schedule),
			lastRun, nextRun, a.RateLimitPerHour, a.CostLimitDaily)
	}
	return w.Flush()
}

func describeSchedule(s domain.Schedule) string {
	switch s.Type {
	case domain.ScheduleInterval:
		return fmt.Sprintf("every %dh", s.IntervalHours)
	case domain.ScheduleCron:
		return s.CronExpr
	default:
		return "manual"
	}
}

// agentSpec is the YAML shape for `agent import`
type agentSpec struct {
	Name             string  `yaml:"name"`
	Provider         string  `yaml:"provider"`
	FallbackProvider string  `yaml:"fallback_provider"`
	Model            string  `yaml:"model"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"max_tokens"`
	Prompt           string  `yaml:"prompt"`
	Schedule         string  `yaml:"schedule"`
	IntervalHours    int     `yaml:"interval_hours"`
	CronExpr         string  `yaml:"cron_expr"`
	RateLimitPerHour int     `yaml:"rate_limit_per_hour"`
	CostLimitDaily   float64 `yaml:"cost_limit_daily"`
	Enabled          *bool   `yaml:"enabled"`
}

func (s agentSpec) toDomain() *domain.Agent {
	a := &domain.Agent{
		Name:             s.Name,
		Provider:         s.Provider,
		FallbackProvider: s.FallbackProvider,
		Model:            s.Model,
		Temperature:      s.Temperature,
		MaxTokens:        s.MaxTokens,
		Prompt:           s.Prompt,
		Schedule: domain.Schedule{
			Type:          domain.ScheduleType(s.Schedule),
			IntervalHours: s.IntervalHours,
			CronExpr:      s.CronExpr,
		},
		RateLimitPerHour: s.RateLimitPerHour,
		CostLimitDaily:   s.CostLimitDaily,
		Enabled:          true,
	}
	if s.Enabled != nil {
		a.Enabled = *s.Enabled
	}
	return a
}

func runAgentImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var specs struct {
		Agents []agentSpec `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}
	if len(specs.Agents) == 0 {
		return fmt.Errorf("%s defines no agents", args[0])
	}

	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var created, updated int
	for _, spec := range specs.Agents {
		agent := spec.toDomain()
		if err := agent.Validate(); err != nil {
			return err
		}
		switch err := store.CreateAgent(agent); {
		case err == nil:
			created++
		case errors.Is(err, domain.ErrAgentExists):
			existing, err := store.GetAgent(agent.Name)
			if err != nil {
				return err
			}
			agent.Paused = existing.Paused
			if err := store.UpdateAgent(agent); err != nil {
				return err
			}
			updated++
		default:
			return err
		}
	}

	fmt.Printf("Imported %d agents (%d created, %d updated)\n", created+updated, created, updated)
	return nil
}

// createAgent validates and persists a single agent definition
func createAgent(store *ledger.Store, spec agentSpec) (*domain.Agent, error) {
	agent := spec.toDomain()
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	if err := store.CreateAgent(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func runAgentCreate(cmd *cobra.Command, args []string) error {
	createSpec.Name = args[0]

	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	agent, err := createAgent(store, createSpec)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s (%s)\n", agent.Name, describeSchedule(agent.Schedule))
	return nil
}

func runAgentFlag(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		name := args[0]
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		switch action {
		case "delete":
			err = store.DeleteAgent(name)
		case "enable":
			err = store.SetEnabled(name, true)
		case "disable":
			err = store.SetEnabled(name, false)
		case "pause":
			err = store.SetPaused(name, true)
		case "resume":
			err = store.SetPaused(name, false)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: %sd\n", name, action)
		return nil
	}
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	levelVar := &slog.LevelVar{}
	levelVar.Set(slog.LevelWarn)
	logger := newLogger(levelVar)

	tracker := budget.New(store)
	gate := runtime.NewGate(store, tracker, logger)
	policy := executor.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		Timeout:     time.Duration(cfg.Retry.TimeoutMinutes) * time.Minute,
	}
	exec := executor.New(buildProviders(cfg), store, tracker, notify.NewMultiNotifier(), policy, logger)

	gateway := trigger.New(store, gate, exec, logger)
	gateway.ResetsClock = cfg.Scheduler.ManualResetsClock

	ctx := cmd.Context()
	rec, err := gateway.Trigger(ctx, args[0])
	if err != nil {
		if ae, ok := domain.AsAdmission(err); ok {
			return fmt.Errorf("%s: %s", args[0], errStyle.Render(string(ae.Reason)))
		}
		return err
	}
	fmt.Printf("Started execution %s for %s\n", rec.ID, args[0])

	if !triggerWait {
		// Let the run outlive the poll budget rather than the process.
		gateway.Wait()
		return nil
	}

	final, err := gateway.Await(ctx, rec.ID)
	switch {
	case errors.Is(err, trigger.ErrStillRunning):
		fmt.Println(pausedStyle.Render("still running, check `insightd logs` later"))
	case err != nil:
		return err
	case final.Status == domain.ExecFailed:
		fmt.Printf("%s: %s\n", errStyle.Render("failed"), final.ErrorMessage)
	default:
		fmt.Printf("%s in %s, %d items, $%.4f\n",
			okStyle.Render("completed"), final.Duration.Round(time.Millisecond),
			final.ItemsProcessed, final.CostUSD)
	}
	gateway.Wait()
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	execs, total, err := store.ListExecutions(ledger.ListOptions{
		Agent:  logsAgent,
		Status: domain.ExecStatus(logsStatus),
		Limit:  logsLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("STARTED\tAGENT\tSTATUS\tSOURCE\tDURATION\tTOKENS\tCOST\tERROR"))
	for _, e := range execs {
		status := string(e.Status)
		switch e.Status {
		case domain.ExecFailed:
			status = errStyle.Render(status)
		case domain.ExecCompleted:
			status = okStyle.Render(status)
		}
		errMsg := e.ErrorMessage
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t$%.4f\t%s\n",
			humanize.Time(e.StartedAt), e.AgentName, status, e.Source,
			e.Duration.Round(time.Millisecond), e.TokensUsed, e.CostUSD, errMsg)
	}
	w.Flush()

	if total > len(execs) {
		fmt.Println(dimStyle.Render(fmt.Sprintf("showing %d of %d", len(execs), total)))
	}
	return nil
}

func runCosts(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	now := time.Now()
	y, m, d := now.Date()
	since := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	switch costsPeriod {
	case "today":
	case "week":
		since = since.AddDate(0, 0, -6)
	case "month":
		since = since.AddDate(0, -1, 0)
	default:
		return fmt.Errorf("invalid period %q (today|week|month)", costsPeriod)
	}

	rows, err := store.CostReport(since, now)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("AGENT\tRUNS\tERRORS\tTOKENS\tCOST"))
	var total float64
	for _, row := range rows {
		errCount := fmt.Sprint(row.Errors)
		if row.Errors > 0 {
			errCount = errStyle.Render(errCount)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t$%.4f\n",
			row.Agent, row.Executions, errCount, humanize.Comma(int64(row.TokensUsed)), row.CostUSD)
		total += row.CostUSD
	}
	fmt.Fprintf(w, "%s\t\t\t\t$%.4f\n", headerStyle.Render("TOTAL"), total)
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	agents, err := store.ListAgents()
	if err != nil {
		return err
	}
	latest, err := store.LatestPerAgent()
	if err != nil {
		return err
	}

	byState := make(map[domain.State]int)
	for _, a := range agents {
		byState[domain.DeriveState(a, latest[a.Name])]++
	}

	now := time.Now()
	y, m, d := now.Date()
	today, err := store.RollupSince(time.Date(y, m, d, 0, 0, 0, 0, now.Location()))
	if err != nil {
		return err
	}

	fmt.Printf("Agents: %d total | %s running | %s idle | %s paused | %s error | %s disabled\n",
		len(agents),
		okStyle.Render(fmt.Sprint(byState[domain.StateRunning])),
		fmt.Sprint(byState[domain.StateIdle]),
		pausedStyle.Render(fmt.Sprint(byState[domain.StatePaused])),
		errStyle.Render(fmt.Sprint(byState[domain.StateError])),
		dimStyle.Render(fmt.Sprint(byState[domain.StateDisabled])))
	fmt.Printf("Today: %d executions | %d items | %s tokens | $%.4f | %d errors\n",
		today.Executions, today.ItemsProcessed,
		humanize.Comma(int64(today.TokensUsed)), today.CostUSD, today.Errors)
	return nil
}
