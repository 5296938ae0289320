// Package cli provides the jobtreectl command line interface: start
// the Controller (`run`), seed a fresh tree with one root job
// (`submit`), and inspect the current colour counts of a job directory
// (`status`).
//
// Grounded on the teacher's internal/cli.BuildCLI for the
// root-command-plus-subcommand shape and persistent --config flag, cut
// down to the subset spec §6 actually needs: this system has no
// distributed master/worker split, so there is no --mode or --master
// flag here.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gridtree/jobtree/internal/backend"
	"github.com/gridtree/jobtree/internal/batcher"
	"github.com/gridtree/jobtree/internal/config"
	"github.com/gridtree/jobtree/internal/controller"
	"github.com/gridtree/jobtree/internal/metrics"
	"github.com/gridtree/jobtree/internal/store"
	"github.com/gridtree/jobtree/pkg/types"
)

var configFile string

// BuildCLI assembles the jobtreectl root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "jobtreectl",
		Short:   "jobtreectl drives a hierarchical job tree to completion",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.xml", "path to config.xml")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var harnessBinary string
	var workers int
	var metricsPort int
	var metricsEnabled bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(harnessBinary, workers, metricsEnabled, metricsPort)
		},
	}

	cmd.Flags().StringVar(&harnessBinary, "harness", "jobtree-worker", "path to the jobtree-worker binary")
	cmd.Flags().IntVar(&workers, "workers", 4, "number of local backend worker goroutines")
	cmd.Flags().BoolVar(&metricsEnabled, "metrics", false, "expose Prometheus metrics")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "metrics listen port")

	return cmd
}

func runController(harnessBinary string, workers int, metricsEnabled bool, metricsPort int) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}

	rootPath := filepath.Dir(configFile)
	jobDir := filepath.Join(rootPath, cfg.JobFileDir)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	local := backend.NewLocalBackend(workers)
	local.Start()
	defer local.Stop()

	ctrl := controller.New(store.New(), batcher.New(), local, controller.Config{
		JobDir:               jobDir,
		HarnessBinary:        harnessBinary,
		RootPath:             rootPath,
		RetryCount:           cfg.RetryCount,
		JobTime:              cfg.JobTime,
		MaxJobDuration:       cfg.MaxJobDuration,
		RescueJobsFrequency:  time.Duration(cfg.RescueJobsFrequency * float64(time.Second)),
		ReportAllJobLogFiles: cfg.ReportAllJobLogFiles != 0,
	}, logger)

	if metricsEnabled {
		ctrl.SetMetrics(metrics.NewCollector())
		go func() {
			if err := metrics.StartServer(metricsPort); err != nil {
				logger.Error("cli: metrics server exited", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("cli: received shutdown signal")
		cancel()
	}()

	fails, err := ctrl.Run(ctx)
	if err != nil {
		return fmt.Errorf("cli: controller run: %w", err)
	}
	logger.Info("cli: run complete", "permanent_failures", fails)
	if fails > 0 {
		os.Exit(1)
	}
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var command string
	var memory int64
	var cpu int64

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a new root job record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if command == "" {
				return fmt.Errorf("cli: --command is required")
			}
			return submitRoot(command, memory, cpu)
		},
	}

	cmd.Flags().StringVar(&command, "command", "", "shell command or target payload for the root job")
	cmd.Flags().Int64Var(&memory, "memory", 0, "memory request in bytes; 0 uses config.xml's default")
	cmd.Flags().Int64Var(&cpu, "cpu", 0, "cpu request; 0 uses config.xml's default")

	return cmd
}

func submitRoot(command string, memory, cpu int64) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	if memory == 0 {
		memory = cfg.DefaultMemory
	}
	if cpu == 0 {
		cpu = cfg.DefaultCPU
	}

	rootPath := filepath.Dir(configFile)
	jobDir := filepath.Join(rootPath, cfg.JobFileDir)
	logDir := filepath.Join(rootPath, cfg.LogFileDir)
	slaveLogDir := filepath.Join(rootPath, cfg.SlaveLogFileDir)
	tempDir := filepath.Join(rootPath, cfg.TempDirDir)

	for _, dir := range []string{jobDir, logDir, slaveLogDir, tempDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return fmt.Errorf("cli: create %s: %w", dir, err)
		}
	}

	name := fmt.Sprintf("job-%d.json", time.Now().UnixNano())
	file := filepath.Join(jobDir, name)
	rec := &types.Record{
		File:                 file,
		Colour:               types.Grey,
		RemainingRetryCount:  cfg.RetryCount,
		FollowOns:            []types.JobSpec{{Command: command, Memory: memory, CPU: cpu}},
		LogFile:              filepath.Join(logDir, name+".log"),
		SlaveLogFile:         filepath.Join(slaveLogDir, name+".log"),
		GlobalTempDir:        filepath.Join(tempDir, name),
		JobCreationTime:      float64(time.Now().Unix()),
		JobTime:              cfg.JobTime,
		MaxLogFileSize:       cfg.MaxLogFileSize,
		DefaultMemory:        cfg.DefaultMemory,
		DefaultCPU:           cfg.DefaultCPU,
		EnvironmentFile:      cfg.EnvironmentFile,
		LogLevel:             cfg.LogLevel,
		ReportAllJobLogFiles: cfg.ReportAllJobLogFiles != 0,
	}
	if cfg.HasStats() {
		rec.Stats = &types.Stats{}
	}

	if err := os.WriteFile(rec.LogFile, nil, 0o644); err != nil {
		return fmt.Errorf("cli: create log file: %w", err)
	}
	if err := os.WriteFile(rec.SlaveLogFile, nil, 0o644); err != nil {
		return fmt.Errorf("cli: create slave log file: %w", err)
	}
	if err := os.MkdirAll(rec.GlobalTempDir, 0o777); err != nil {
		return fmt.Errorf("cli: create temp dir: %w", err)
	}

	if err := store.New().WriteRecord(rec); err != nil {
		return fmt.Errorf("cli: write root record: %w", err)
	}
	fmt.Println(file)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show colour counts for the job directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	jobDir := filepath.Join(filepath.Dir(configFile), cfg.JobFileDir)

	entries, err := os.ReadDir(jobDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no job directory yet")
			return nil
		}
		return fmt.Errorf("cli: list %s: %w", jobDir, err)
	}

	counts := map[types.Colour]int{}
	s := store.New()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		rec, err := s.ReadRecord(filepath.Join(jobDir, entry.Name()))
		if err != nil {
			continue
		}
		counts[rec.Colour]++
	}

	fmt.Printf("grey=%d blue=%d black=%d red=%d dead=%d\n",
		counts[types.Grey], counts[types.Blue], counts[types.Black], counts[types.Red], counts[types.Dead])
	return nil
}
