// Package cmd implements the gantry CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/gantry/internal/observability"
)

// versionInfo holds build metadata injected at link time via main.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and
// the status server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "CI test matrix orchestrator",
	Long: `Gantry expands a workflow's test matrix into jobs, provisions each
job's environment, and runs the suite with a single aggregate verdict.

Workflows are YAML or JSON files describing the matrix, provisioning
steps, and test commands. See 'gantry run --help' to execute one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return observability.InitCLILogger(
			viper.GetString("logging.level"),
			viper.GetString("logging.profile"),
		)
	},
}

var (
	rootLogLevel   string
	rootLogProfile string
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&rootLogProfile, "log-profile", "", "Log profile (structured|console)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.profile", rootCmd.PersistentFlags().Lookup("log-profile"))
}

func initConfig() {
	setDefaults()
	viper.SetEnvPrefix("GANTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// setDefaults seeds viper with the baseline configuration every
// command inherits.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("cache.backend", "local")
	viper.SetDefault("workspace", ".")
	viper.SetDefault("shell", "/bin/sh")
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)$`)

// exitCodeFromError recovers the code embedded by exitError, defaulting
// to 1 for plain errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	m := exitCodePattern.FindStringSubmatch(err.Error())
	if len(m) != 2 {
		return 1
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 1
	}
	return code
}

// Execute runs the CLI, translating errors into process exit codes.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFromError(err))
	}
}
