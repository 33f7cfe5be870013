package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swap-engine/internal/config"
	"swap-engine/pkg/logger"
)

type rootOptions struct {
	configPath string
	jsonOutput bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "swapd",
		Short: "Wallet token-swap engine",
		Long: `swapd quotes, approves and executes token swaps for a single wallet.

Examples:
  swapd serve --config configs/swapd.yaml
  swapd tokens --symbol USDC
  swapd quote 1.5 USDC WETH`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "配置文件路径")
	cmd.PersistentFlags().BoolVarP(&opts.jsonOutput, "json", "j", false, "以 JSON 输出")

	cmd.AddCommand(newServeCommand(opts), newTokensCommand(opts), newQuoteCommand(opts))
	return cmd
}

func defaultConfigPath() string {
	if path := os.Getenv("SWAPD_CONFIG"); path != "" {
		return path
	}
	path := filepath.Join("configs", "swapd.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// loadConfig 读取配置并初始化全局日志。
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "\n%s %v\n\n", color.RedString("错误:"), err)
}
