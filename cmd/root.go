package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	logLevel  string // Log verbosity level
	studyPath string // Study YAML file
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "ensemble-stats",
	Short: "Online statistics server for ensemble simulation studies",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(viper.GetString("log"))
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", viper.GetString("log"))
		}
		logrus.SetLevel(level)
	},
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initViper lets ENSEMBLE_* environment variables stand in for any bound flag,
// e.g. ENSEMBLE_RANK for --rank.
func initViper() {
	viper.SetEnvPrefix("ENSEMBLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags binds each named flag of cmd to the viper key of the same name.
func bindFlags(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			logrus.Fatalf("Failed to bind flag %q: %v", name, err)
		}
	}
}

// init sets up CLI flags and subcommands
func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&studyPath, "study", "study.yaml", "Path to the study YAML file")
	bindFlags(rootCmd, "log", "study")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(inspectCmd)
}
