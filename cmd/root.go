// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentient-cli/internal/config"
	"github.com/xkilldash9x/sentient-cli/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// ErrGoalNotAchieved is returned by run when the loop ends in any state other
// than succeeded. main maps it to exit code 1 without logging it as a crash.
var ErrGoalNotAchieved = errors.New("goal not achieved")

// NewRootCommand builds a fresh command tree. Every invocation gets its own
// flag set, which keeps tests and repeated executions isolated.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "sentient",
		Short:         "Sentient drives natural-language goals through a plan, execute, observe, decide loop.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cfgFile, v); err != nil {
				basicLogger, _ := zap.NewDevelopment()
				defer basicLogger.Sync()
				basicLogger.Error("Failed to initialize configuration", zap.Error(err))
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "sentient"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting sentient", zap.String("version", Version))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	provider := NewStoreProvider()
	rootCmd.AddCommand(newRunCmd(provider))
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newTraceCmd(provider))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with the given context.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil || errors.Is(err, ErrGoalNotAchieved) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command cancelled.")
		return err
	}
	observability.GetLogger().Error("Command execution failed", zap.Error(err))
	return err
}

// initializeConfig reads the config file, when there is one, and binds the
// SENTIENT_ environment.
func initializeConfig(cfgFile string, v *viper.Viper) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SENTIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not found in context")
	}
	return cfg, nil
}
