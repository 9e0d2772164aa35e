package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/ingestflow/internal/client"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ingestctl",
	Short: "Operator CLI for the ingestflow server",
	Long: `ingestctl drives the ingestion pipeline and transformation engine of a
running ingestflow server.

Examples:
  ingestctl files discover
  ingestctl files process
  ingestctl transform run CUSTOMERS --all
  ingestctl jobs suspend transform
  ingestctl audit export -f audit.csv

Settings come from flags, INGESTCTL_* environment variables or
~/.ingestctl.yaml (server, api_key, timeout, output).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("no_color") {
			pterm.DisableStyling()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ~/.ingestctl.yaml)")
	flags.String("server", "http://localhost:8080", "ingestflow server URL")
	flags.String("api-key", "", "operator API key")
	flags.Duration("timeout", client.DefaultTimeout, "request timeout")
	flags.StringP("output", "o", "table", "output format: table or json")
	flags.Bool("no-color", false, "disable colored output")

	viper.BindPFlag("server", flags.Lookup("server"))
	viper.BindPFlag("api_key", flags.Lookup("api-key"))
	viper.BindPFlag("timeout", flags.Lookup("timeout"))
	viper.BindPFlag("output", flags.Lookup("output"))
	viper.BindPFlag("no_color", flags.Lookup("no-color"))

	rootCmd.AddCommand(newFilesCmd())
	rootCmd.AddCommand(newMappingsCmd())
	rootCmd.AddCommand(newTransformCmd())
	rootCmd.AddCommand(newJobsCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newCatalogCmd())
	rootCmd.AddCommand(newHealthCmd())
}

// initConfig reads ~/.ingestctl.yaml (or --config) and INGESTCTL_* variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".ingestctl")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("INGESTCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		pterm.Debug.Println("using config file:", filepath.Clean(viper.ConfigFileUsed()))
	}
}

// newClient builds a client from the resolved settings.
func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithUserAgent("ingestctl")}
	if key := viper.GetString("api_key"); key != "" {
		opts = append(opts, client.WithAPIKey(key))
	}
	return client.New(viper.GetString("server"), opts...)
}

// commandContext bounds one command by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout := viper.GetDuration("timeout")
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// run wires the client and context for a subcommand body.
func run(fn func(ctx context.Context, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return fn(ctx, c, args)
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			start := time.Now()
			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(h)
			}
			pterm.Success.Printf("server is %v (%s)\n", h["status"], time.Since(start).Round(time.Millisecond))
			return nil
		}),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }
