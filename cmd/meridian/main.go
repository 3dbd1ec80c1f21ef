package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/meridianlabs/meridian/internal/api"
	"github.com/meridianlabs/meridian/internal/config"
	"github.com/meridianlabs/meridian/internal/models"
	"github.com/meridianlabs/meridian/internal/progress"
	"github.com/meridianlabs/meridian/internal/session"
	"github.com/meridianlabs/meridian/internal/store"
	"github.com/meridianlabs/meridian/internal/workflow"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (or MERIDIAN_CONFIG)")
		topic       = flag.String("topic", "", "research topic; prompted for when empty")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9095)")
	)
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, level, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)

	// Log level and progress tunables follow the config file while the
	// process runs; a new run picks up the latest values.
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, logger)
		if err == nil {
			watcher.OnChange(func(next *config.Config) error {
				parsed, err := zapcore.ParseLevel(next.Logging.Level)
				if err != nil {
					return err
				}
				level.SetLevel(parsed)
				liveCfg.Store(next)
				return nil
			})
			if err := watcher.Start(); err != nil {
				logger.Warn("config watcher unavailable", zap.Error(err))
			} else {
				defer watcher.Stop()
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	archive, err := store.Open(cfg.Archive.Path, logger)
	if err != nil {
		logger.Fatal("failed to open session archive", zap.Error(err))
	}
	defer archive.Close()

	a := &app{cfg: &liveCfg, logger: logger, archive: archive}

	switch flag.Arg(0) {
	case "", "run":
		err = a.run(ctx, *topic)
	case "list":
		err = a.list(ctx)
	case "show":
		err = a.show(ctx, flag.Arg(1))
	case "export":
		err = a.export(ctx, flag.Arg(1))
	case "delete":
		err = a.delete(ctx, flag.Arg(1))
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: meridian [flags] [command]

Commands:
  run            drive a research session end to end (default)
  list           list archived sessions
  show <id>      print an archived session
  export <id>    dump an archived session as YAML
  delete <id>    remove an archived session

Flags:
`)
	flag.PrintDefaults()
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	parsed, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	var zc zap.Config
	if lc.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(parsed)
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, zc.Level, nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

type app struct {
	cfg     *atomic.Pointer[config.Config]
	logger  *zap.Logger
	archive *store.Store
}

// run drives one research session through all phases: clarifying
// questions, user feedback, a report plan, research execution with live
// progress, and the final report.
func (a *app) run(ctx context.Context, topic string) error {
	cfg := a.cfg.Load()
	client := api.NewClient(cfg.API.BaseURL, &http.Client{Timeout: cfg.API.RequestTimeout}, a.logger, api.Options{
		ReadRetries:    cfg.API.ReadRetries,
		ReadRetryDelay: cfg.API.ReadRetryDelay,
	})
	sessions := session.NewManager(client, a.logger)
	engine := workflow.NewEngine(client, sessions, a.logger)

	in := bufio.NewReader(os.Stdin)
	if topic == "" {
		var err error
		topic, err = prompt(in, "Research topic: ")
		if err != nil {
			return err
		}
	}

	if err := engine.AskQuestions(ctx, topic); err != nil {
		return fmt.Errorf("generate questions: %w", err)
	}
	fmt.Println("\n" + engine.Snapshot().Questions + "\n")

	feedback, err := prompt(in, "Your answers (blank to skip): ")
	if err != nil {
		return err
	}
	if err := engine.WriteReportPlan(ctx, feedback); err != nil {
		return fmt.Errorf("create report plan: %w", err)
	}
	fmt.Println("\n" + engine.Snapshot().ReportPlan + "\n")

	// Re-read so a mid-run config change applies to the sync channels.
	cfg = a.cfg.Load()
	sync := progress.NewSynchronizer(client, client, cfg.API.StreamURL, progress.Config{
		PollInterval:         cfg.Progress.PollInterval,
		HeartbeatInterval:    cfg.Progress.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.Progress.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Progress.MaxReconnectAttempts,
	}, a.logger)
	finished := make(chan models.OrchestrationProgress, 1)
	sync.OnTerminal(func(p models.OrchestrationProgress) { finished <- p })

	if id := sessions.Current(); id != "" {
		sync.Start(ctx, id)
	}
	defer sync.Stop()

	if err := engine.RunSearchTasks(ctx); err != nil {
		return fmt.Errorf("execute research: %w", err)
	}

	// Research has returned; wait briefly for the progress channels to
	// observe the terminal status before moving on. An interrupt stops the
	// local channels only, the remote job keeps running.
	if sessions.Current() != "" {
		select {
		case p := <-finished:
			a.logger.Info("job finished",
				zap.String("status", p.Status),
				zap.Int("agents", p.TotalAgents),
			)
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := engine.WriteFinalReport(ctx, ""); err != nil {
		return fmt.Errorf("write final report: %w", err)
	}

	state := engine.Snapshot()
	fmt.Println("\n" + state.FinalReport)

	saved := &store.SavedSession{
		ID:          state.SessionID,
		Topic:       state.Topic,
		FinalReport: state.FinalReport,
		Executions:  executionsFromTasks(state.SearchTasks),
	}
	if err := a.archive.SaveSession(ctx, saved); err != nil {
		a.logger.Warn("failed to archive session", zap.Error(err))
	} else {
		fmt.Fprintf(os.Stderr, "\narchived as %s\n", saved.ID)
	}
	return nil
}

func (a *app) list(ctx context.Context) error {
	sessions, err := a.archive.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no archived sessions")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %s  %s\n", s.ID, s.UpdatedAt.Format(time.RFC3339), s.Topic)
	}
	return nil
}

// show restores an archived session: the saved execution history is
// presented as completed progress without opening any live channel.
func (a *app) show(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("usage: meridian show <id>")
	}
	saved, err := a.archive.LoadSession(ctx, id)
	if err != nil {
		return err
	}

	sync := progress.NewSynchronizer(nil, nil, "", progress.Config{}, a.logger)
	sync.Restore(saved.ID, saved.Executions, saved.FinalReport)
	if snap, ok := sync.Progress(); ok {
		fmt.Printf("# %s\n\nstatus: %s (%d agents, %d failed)\n\n",
			saved.Topic, snap.Status, snap.TotalAgents, snap.FailedAgents)
	}
	fmt.Println(saved.FinalReport)
	return nil
}

func (a *app) export(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("usage: meridian export <id>")
	}
	saved, err := a.archive.LoadSession(ctx, id)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(saved)
}

func (a *app) delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("usage: meridian delete <id>")
	}
	return a.archive.DeleteSession(ctx, id)
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := in.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// executionsFromTasks converts completed search tasks into the archived
// execution shape show restores from.
func executionsFromTasks(tasks []models.SearchTask) []models.AgentExecution {
	execs := make([]models.AgentExecution, 0, len(tasks))
	for _, task := range tasks {
		status := models.AgentCompleted
		if task.State == models.TaskFailed {
			status = models.AgentFailed
		}
		execs = append(execs, models.AgentExecution{
			AgentName: task.Query,
			Status:    status,
			Input:     task.ResearchGoal,
			Output:    task.Learning,
			Timestamp: time.Now().UTC(),
		})
	}
	return execs
}
