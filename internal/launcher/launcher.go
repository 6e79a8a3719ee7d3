// Package launcher - orchestrator. Запускает один OS процесс на аккаунт
// (изоляция: одно соединение с терминалом на процесс) и следит за их
// жизненным циклом.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"prop_copier/internal/models"

	"golang.org/x/sync/errgroup"
)

// AccountSource - источник конфигурации аккаунтов (см. пакет storage)
type AccountSource interface {
	ListEnabledAccounts(ctx context.Context) ([]models.Account, error)
}

// Config - параметры запуска процессов
type Config struct {
	MasterBin    string
	SlaveBin     string
	StartupDelay time.Duration // пауза между masters и slaves, чтобы hub успел подняться
	StopGrace    time.Duration // время на graceful shutdown до SIGKILL
}

type Launcher struct {
	accounts AccountSource
	cfg      Config
	logger   *slog.Logger
}

func New(accounts AccountSource, cfg Config, logger *slog.Logger) *Launcher {
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = time.Second
	}

	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}

	return &Launcher{
		accounts: accounts,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run запускает процессы всех включенных аккаунтов: masters первыми,
// затем slaves. Блокирует до отмены ctx или завершения всех процессов.
// Упавшие процессы не перезапускаются автоматически - только логируются.
func (l *Launcher) Run(ctx context.Context) error {
	accounts, err := l.accounts.ListEnabledAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	var masters, slaves []models.Account
	for _, acc := range accounts {
		switch acc.Role {
		case models.RoleMaster:
			masters = append(masters, acc)
		case models.RoleSlave:
			slaves = append(slaves, acc)
		}
	}

	if len(masters) == 0 && len(slaves) == 0 {
		return fmt.Errorf("no enabled accounts configured")
	}

	l.logger.Info("🚀 Starting processes",
		slog.Int("masters", len(masters)),
		slog.Int("slaves", len(slaves)))

	group := new(errgroup.Group)

	for _, acc := range masters {
		l.spawn(ctx, group, l.cfg.MasterBin, acc)
	}

	// Даем hub'ам подняться до того, как slaves начнут подписываться
	timer := time.NewTimer(l.cfg.StartupDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
	case <-timer.C:
	}

	if ctx.Err() == nil {
		for _, acc := range slaves {
			l.spawn(ctx, group, l.cfg.SlaveBin, acc)
		}
	}

	err = group.Wait()
	l.logger.Info("All processes stopped")

	return err
}

func (l *Launcher) spawn(ctx context.Context, group *errgroup.Group, bin string, acc models.Account) {
	group.Go(func() error {
		cmd := exec.Command(bin, "--name", acc.Name)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s process for %s: %w", acc.Role, acc.Name, err)
		}

		l.logger.Info("✅ Process spawned",
			slog.String("role", string(acc.Role)),
			slog.String("account", acc.Name),
			slog.Int("pid", cmd.Process.Pid))

		done := make(chan error, 1)
		go func() {
			done <- cmd.Wait()
		}()

		select {
		case err := <-done:
			if ctx.Err() != nil {
				return nil
			}

			l.logger.Warn("⚠️ Process exited",
				slog.String("account", acc.Name),
				slog.Any("error", err))

			return nil

		case <-ctx.Done():
			l.terminate(cmd, acc.Name, done)
			return nil
		}
	})
}

// terminate шлет SIGTERM и после StopGrace добивает SIGKILL
func (l *Launcher) terminate(cmd *exec.Cmd, name string, done <-chan error) {
	l.logger.Info("Terminating process",
		slog.String("account", name),
		slog.Int("pid", cmd.Process.Pid))

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		l.logger.Warn("Failed to signal process", slog.Any("error", err))
	}

	timer := time.NewTimer(l.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		l.logger.Warn("⚠️ Force killing process", slog.String("account", name))
		cmd.Process.Kill()
		<-done
	}
}
