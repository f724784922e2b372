package main

import (
	"fmt"
	"os"

	"github.com/mohammad-safakhou/academiq/config"
	"github.com/mohammad-safakhou/academiq/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:           "academiq",
		Short:         "Answer natural-language questions about academic records",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")

	root.AddCommand(serveCMD(&cfgPath), askCMD(&cfgPath), migrateCMD(&cfgPath), vocabCMD(&cfgPath))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// load reads config and builds the process logger.
func load(cfgPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
