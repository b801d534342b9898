package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/kursadbilgin/sendit/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errWatcherNotRunning = errors.New("no sendit watcher is running")

func newWatcherCommand(ctx *commandContext) *cobra.Command {
	watcherCmd := &cobra.Command{
		Use:   "watcher",
		Short: "Periodically queue new input folders",
	}

	watcherCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Run the folder watcher until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			lock := flock.New(cfg.WatcherLockFile)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire watcher lock: %w", err)
			}
			if !ok {
				return errors.New("another sendit watcher is already running")
			}
			defer func() {
				if err := lock.Unlock(); err != nil {
					logger.Warn("failed to release watcher lock", zap.Error(err))
				}
			}()

			if err := writePIDFile(cfg.WatcherPIDFile, os.Getpid()); err != nil {
				return err
			}
			defer os.Remove(cfg.WatcherPIDFile)

			rt, err := ctx.openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			orchestrator, err := rt.orchestrator()
			if err != nil {
				return err
			}
			watcher, err := service.NewWatcher(orchestrator, cfg.WatcherInterval, cfg.WatcherBatchLimit, logger)
			if err != nil {
				return err
			}

			logger.Info("sendit watcher started",
				zap.String("base", cfg.DataBase),
				zap.Strings("folders", cfg.InputFolders()),
				zap.String("lockFile", cfg.WatcherLockFile),
				zap.String("pidFile", cfg.WatcherPIDFile),
			)
			return watcher.Start(cmd.Context())
		},
	})

	watcherCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the running folder watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			pid, err := stopWatcher(cfg.WatcherLockFile, cfg.WatcherPIDFile, terminate)
			if err != nil {
				return err
			}
			logger.Info("sendit watcher stopping", zap.Int("pid", pid))
			fmt.Fprintf(cmd.OutOrStdout(), "Sent stop signal to watcher %d\n", pid)
			return nil
		},
	})

	return watcherCmd
}

func writePIDFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write watcher pid file: %w", err)
	}
	return nil
}

// stopWatcher signals the watcher holding lockFile. Stale pid files are
// removed when no watcher holds the lock or the recorded process is gone.
func stopWatcher(lockFile, pidFile string, signal func(pid int) error) (int, error) {
	lock := flock.New(lockFile)
	free, err := lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("check watcher lock: %w", err)
	}
	if free {
		_ = lock.Unlock()
		_ = os.Remove(pidFile)
		return 0, errWatcherNotRunning
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, fmt.Errorf("read watcher pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid watcher pid file %s", pidFile)
	}

	if err := signal(pid); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			_ = os.Remove(pidFile)
		}
		return pid, fmt.Errorf("signal watcher %d: %w", pid, err)
	}
	return pid, nil
}

func terminate(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGTERM)
}
