package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"neuron/internal/config"
	"neuron/internal/logging"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "neuron",
		Short:         "Stateful AI agent runtime",
		Long:          "Neuron runs conversational agents with hierarchical memory,\npermissioned tool execution, and a multi-provider model broker.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logging.SetLevel(logging.ParseLevel(viper.GetString("log_level")))
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "config file (default ~/.neuron/config.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("NEURON")
	viper.AutomaticEnv()

	root.AddCommand(
		newServeCommand(),
		newChatCommand(),
		newToolsCommand(),
		newConfirmCommand(),
		newVersionCommand(),
	)
	return root
}

// loadConfig resolves the config path from the flag or the NEURON_CONFIG
// environment variable and loads it over the defaults.
func loadConfig() (config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("neuron %s\n", version)
		},
	}
}
