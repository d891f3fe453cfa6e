// Package cli команды бинарников consultd (relay) и consult (участник)
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arzzra/telehealth/internal/config"
	"github.com/arzzra/telehealth/internal/logger"
)

// Version версия бинарников, задается при сборке через -ldflags
var Version = "dev"

// Dependencies общее состояние команд: конфигурация и логгер заполняются
// перед запуском подкоманды
type Dependencies struct {
	ConfigPath string
	LogLevel   string

	Config *config.Config
	Logger *zap.Logger
}

func (d *Dependencies) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(d.ConfigPath)
	if err != nil {
		return err
	}
	if d.LogLevel != "" {
		cfg.Log.Level = d.LogLevel
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("инициализация логгера: %w", err)
	}
	d.Config = cfg
	d.Logger = log
	return nil
}

func (d *Dependencies) sync(*cobra.Command, []string) {
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}
}

func newRoot(deps *Dependencies, use, short string) *cobra.Command {
	root := &cobra.Command{
		Use:               use,
		Short:             short,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: deps.load,
		PersistentPostRun: deps.sync,
	}
	root.PersistentFlags().StringVarP(&deps.ConfigPath, "config", "c", "", "Путь к YAML конфигурации")
	root.PersistentFlags().StringVar(&deps.LogLevel, "log-level", "", "Уровень логирования (debug, info, warn, error)")
	return root
}

// NewServerRootCmd корневая команда consultd
func NewServerRootCmd(deps *Dependencies) *cobra.Command {
	root := newRoot(deps, "consultd", "Relay сервер консультаций: сигнализация, чат, прием записей")
	root.AddCommand(NewServeCmd(deps))
	root.AddCommand(NewTokenCmd(deps))
	return root
}

// NewClientRootCmd корневая команда consult
func NewClientRootCmd(deps *Dependencies) *cobra.Command {
	root := newRoot(deps, "consult", "Участник консультации: звонок, чат и запись")
	root.AddCommand(NewJoinCmd(deps))
	root.AddCommand(NewHistoryCmd(deps))
	return root
}
