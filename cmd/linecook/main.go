package main

import (
	"fmt"
	"os"

	"github.com/fentz26/linecook/internal/config"
	"github.com/fentz26/linecook/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "linecook",
	Short: "linecook - offline-first kitchen task coordination",
	Long: `linecook turns orders into task graphs, predicts when each order will be
ready and keeps working when the connection to the server drops.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if serverAddr != "" {
			cfg.Client.Server = serverAddr
		}
		if cmd.Name() == clientCmd.Name() && cfg.Log.File == "" && !headless {
			cfg.Log.File = defaultClientLog()
		}
		logger, err = logging.New(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	serverAddr string

	cfg    *config.Config
	logger = zap.NewNop()
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to linecook.yaml")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Server address (overrides client.server)")

	// Add subcommands
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(subtaskCmd)
	rootCmd.AddCommand(etaCmd)
	rootCmd.AddCommand(workflowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
