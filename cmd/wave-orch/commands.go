package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/waveforge/wave-orchestrator/internal/backlog"
	"github.com/waveforge/wave-orchestrator/internal/batch"
	"github.com/waveforge/wave-orchestrator/internal/config"
	"github.com/waveforge/wave-orchestrator/internal/domain"
	"github.com/waveforge/wave-orchestrator/internal/gitrepo"
	"github.com/waveforge/wave-orchestrator/internal/notify"
	"github.com/waveforge/wave-orchestrator/internal/orchestrator"
	"github.com/waveforge/wave-orchestrator/internal/repolock"
	"github.com/waveforge/wave-orchestrator/internal/runstore"
	"github.com/waveforge/wave-orchestrator/internal/state"
	"github.com/waveforge/wave-orchestrator/tui"
	"github.com/waveforge/wave-orchestrator/web/api"
)

var (
	runServe      bool
	runWorkers    int
	runNotify     bool
	addTitle      string
	addBody       string
	addPriority   string
	addBlockedBy  []string
	statusHistory int
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute the full backlog",
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runServe, "serve", false, "serve live status while running")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "override max workers")
	runCmd.Flags().BoolVar(&runNotify, "notify", false, "send a desktop notification when done")
	rootCmd.AddCommand(runCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted run from its saved state",
		RunE:  runResume,
	}
	resumeCmd.Flags().BoolVar(&runServe, "serve", false, "serve live status while running")
	resumeCmd.Flags().BoolVar(&runNotify, "notify", false, "send a desktop notification when done")
	rootCmd.AddCommand(resumeCmd)

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the wave plan without running anything",
		RunE:  runPlan,
	}
	rootCmd.AddCommand(planCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current run and recent history",
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&statusHistory, "runs", 10, "number of past runs to show")
	rootCmd.AddCommand(statusCmd)

	addCmd := &cobra.Command{
		Use:   "add ID",
		Short: "Add an issue to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdd,
	}
	addCmd.Flags().StringVar(&addTitle, "title", "", "issue title")
	addCmd.Flags().StringVar(&addBody, "body", "", "issue body (markdown)")
	addCmd.Flags().StringVar(&addPriority, "priority", "", "high, low, or empty for normal")
	addCmd.Flags().StringSliceVar(&addBlockedBy, "blocked-by", nil, "issue IDs this one waits on")
	rootCmd.AddCommand(addCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run state and history over HTTP",
		RunE:  runServeCmd,
	}
	rootCmd.AddCommand(serveCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard over a running serve instance",
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)

	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Run configured batches on their cron schedules",
		RunE:  runBatch,
	}
	rootCmd.AddCommand(batchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openRepo(cfg *config.Config) (*gitrepo.Repo, error) {
	if cfg.General.RepoRoot == "" {
		return nil, fmt.Errorf("general.repo_root is not configured")
	}
	lock := repolock.New(cfg.General.RepoRoot, repolock.Options{
		MaxRetries:     cfg.Lock.MaxRetries,
		InitialBackoff: cfg.Lock.InitialBackoff,
		MaxBackoff:     cfg.Lock.MaxBackoff,
		StaleAfter:     cfg.Lock.StaleAfter,
	})
	return gitrepo.New(cfg.General.RepoRoot, lock), nil
}

func openBacklog(cfg *config.Config) (*backlog.Store, error) {
	dir := cfg.General.BacklogDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cfg.General.RepoRoot, dir)
	}
	return backlog.NewStore(dir)
}

// buildOrchestrator wires the orchestrator with history and notifications.
// The returned cleanup closes the history database.
func buildOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, func(), error) {
	repo, err := openRepo(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := openBacklog(cfg)
	if err != nil {
		return nil, nil, err
	}

	o := orchestrator.New(cfg, repo, store)

	cleanup := func() {}
	if cfg.General.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
			return nil, nil, err
		}
		history, err := runstore.New(cfg.General.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		o.SetHistory(history)
		cleanup = func() { history.Close() }
	}

	notifiers := []notify.Notifier{notify.Log{}}
	if runNotify {
		notifiers = append(notifiers, notify.NewDesktop(true))
	}
	o.SetNotifier(notify.NewMulti(notifiers...))
	return o, cleanup, nil
}

// withSignals installs cooperative shutdown: the first interrupt lets
// in-flight work finish, the second cancels outright.
func withSignals(o *orchestrator.Orchestrator) (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		o.RequestShutdown()
		<-sigCh
		cancel()
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	return executeRun(false)
}

func runResume(cmd *cobra.Command, args []string) error {
	return executeRun(true)
}

func executeRun(resume bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runWorkers > 0 {
		cfg.General.MaxWorkers = runWorkers
	}

	o, cleanup, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := withSignals(o)
	defer stop()

	// Issues added while a run is active are planned on the next run; the
	// watcher just makes their arrival visible.
	if store, err := openBacklog(cfg); err == nil {
		watcher, werr := backlog.NewWatcher(store, func(ids []string) {
			fmt.Printf("Backlog changed (%v); new issues run next time\n", ids)
		})
		if werr == nil {
			watcher.Start(context.Background())
			defer watcher.Stop()
		}
	}

	if runServe {
		srv := newStatusServer(cfg, o.Events())
		go srv.Start(ctx)
	}

	var summary *orchestrator.Summary
	var code int
	if resume {
		summary, code, err = o.Resume(ctx)
	} else {
		summary, code, err = o.Run(ctx)
	}
	if err != nil {
		return err
	}

	printSummary(summary)
	if code != orchestrator.ExitOK {
		os.Exit(code)
	}
	return nil
}

func newStatusServer(cfg *config.Config, events *orchestrator.Broadcaster) *api.Server {
	var history *runstore.Store
	if cfg.General.DatabasePath != "" {
		if h, err := runstore.New(cfg.General.DatabasePath); err == nil {
			history = h
		}
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	return api.NewServer(state.NewStore(cfg.General.StatePath), history, events, addr)
}

var (
	summaryOKStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	summaryFailStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func printSummary(s *orchestrator.Summary) {
	style := summaryOKStyle
	if s.Failed > 0 {
		style = summaryFailStyle
	}
	fmt.Printf("\n%s\n", style.Render(fmt.Sprintf("Run %s: %s (%s)", s.RunID, s.Oneline(), s.Elapsed.Round(time.Second))))
	if len(s.Issues) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE\tSTATUS\tKIND\tREASON")
	for _, i := range s.Issues {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", i.IssueID, i.Status, i.Kind, i.Reason)
	}
	w.Flush()
	if s.MergeRetries > 0 {
		fmt.Printf("Merge rebase retries: %d\n", s.MergeRetries)
	}
	if s.Corrections > 0 {
		fmt.Printf("Corrections applied: %d\n", s.Corrections)
	}
	if s.CycleBreaks > 0 {
		fmt.Printf("Dependency cycles broken: %d\n", s.CycleBreaks)
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	store, err := openBacklog(cfg)
	if err != nil {
		return err
	}

	o := orchestrator.New(cfg, repo, store)
	issues, plan, err := o.Plan()
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("Backlog is empty")
		return nil
	}

	byID := make(map[string]*domain.Issue, len(issues))
	for _, issue := range issues {
		byID[issue.ID] = issue
	}

	fmt.Printf("%d issues in %d sub-waves\n\n", plan.IssueCount(), len(plan.SubWaves))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WAVE\tISSUE\tPRIORITY\tBLOCKED BY\tHINTS")
	for _, sw := range plan.SubWaves {
		for _, id := range sw.IssueIDs {
			issue := byID[id]
			prio := string(issue.Priority)
			if prio == "" {
				prio = "normal"
			}
			fmt.Fprintf(w, "%d.%d\t%s\t%s\t%v\t%d\n", sw.Wave, sw.Index, id, prio, issue.BlockedBy, len(issue.Hints))
		}
	}
	w.Flush()

	for _, br := range plan.CycleBreaks {
		fmt.Printf("\nWarning: cycle broken, %s no longer waits for %s\n", br.IssueID, br.BlockerID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	states := state.NewStore(cfg.General.StatePath)
	if states.Exists() {
		snap, err := states.Load()
		if err != nil {
			return err
		}
		fmt.Printf("Run %s (started %s)\n", snap.RunID, humanize.Time(snap.StartedAt))
		fmt.Printf("  queued %d, in progress %d, merged %d, failed %d, deferred %d\n\n",
			len(snap.Queue), len(snap.InProgress),
			snap.CountByStatus(domain.StatusMerged),
			snap.CountByStatus(domain.StatusFailed),
			snap.CountByStatus(domain.StatusDeferred))
	} else {
		fmt.Println("No run in progress")
	}

	if cfg.General.DatabasePath == "" {
		return nil
	}
	history, err := runstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer history.Close()

	runs, err := history.ListRuns(statusHistory)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Println("Recent runs:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tISSUES\tEXIT\tSTARTED\tFINISHED")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		finished := "running"
		if r.FinishedAt != nil {
			finished = humanize.Time(*r.FinishedAt)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", r.ID, r.IssueCount, exit, humanize.Time(r.StartedAt), finished)
	}
	return w.Flush()
}

func runAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openBacklog(cfg)
	if err != nil {
		return err
	}

	issue := &domain.Issue{
		ID:        args[0],
		Title:     addTitle,
		Body:      addBody,
		Priority:  domain.Priority(addPriority),
		BlockedBy: addBlockedBy,
	}
	if err := store.Add(issue); err != nil {
		return err
	}
	fmt.Printf("Added %s\n", issue.ID)
	return nil
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	srv := newStatusServer(cfg, orchestrator.NewBroadcaster())
	fmt.Printf("Serving on %s:%d\n", cfg.Web.Host, cfg.Web.Port)
	return srv.Start(ctx)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("ws://%s:%d/ws", cfg.Web.Host, cfg.Web.Port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s (is a serve instance running?): %w", url, err)
	}
	defer conn.Close()

	p := tea.NewProgram(tui.NewModel(cfg.General.MaxWorkers), tea.WithAltScreen())
	go func() {
		for {
			var event orchestrator.Event
			if err := conn.ReadJSON(&event); err != nil {
				p.Quit()
				return
			}
			p.Send(tui.EventMsg(event))
		}
	}()

	_, err = p.Run()
	return err
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Batches) == 0 {
		return fmt.Errorf("no batches configured")
	}

	sched, err := batch.NewScheduler(cfg.Batches)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		sched.Stop()
		cancel()
	}()

	fmt.Printf("Scheduling %d batches\n", len(cfg.Batches))
	sched.Start(ctx, func(ctx context.Context, bc config.BatchConfig) error {
		runCfg := *cfg
		if bc.MaxWorkers > 0 {
			runCfg.General.MaxWorkers = bc.MaxWorkers
		}

		o, cleanup, err := buildBatchOrchestrator(&runCfg, bc.Filter)
		if err != nil {
			return err
		}
		defer cleanup()

		summary, _, err := o.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Batch %s: %s\n", bc.Name, summary.Oneline())
		return nil
	})
	return nil
}

// filteredStore narrows a backlog to IDs matching a batch's prefix filter.
type filteredStore struct {
	*backlog.Store
	prefix string
}

func (f filteredStore) LoadActiveIssues() ([]*domain.Issue, error) {
	issues, err := f.Store.LoadActiveIssues()
	if err != nil {
		return nil, err
	}
	return batch.FilterIssues(issues, f.prefix), nil
}

func buildBatchOrchestrator(cfg *config.Config, filter string) (*orchestrator.Orchestrator, func(), error) {
	repo, err := openRepo(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := openBacklog(cfg)
	if err != nil {
		return nil, nil, err
	}

	o := orchestrator.New(cfg, repo, filteredStore{Store: store, prefix: filter})

	cleanup := func() {}
	if cfg.General.DatabasePath != "" {
		history, err := runstore.New(cfg.General.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		o.SetHistory(history)
		cleanup = func() { history.Close() }
	}
	o.SetNotifier(notify.Log{})
	return o, cleanup, nil
}
