package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// options are resolved from flags first, then JOBCTL_* env, then the config file.
type options struct {
	cfgFile      string
	apiURL       string
	token        string
	outputFormat string
	timeout      time.Duration

	v   *viper.Viper
	out io.Writer
}

func (o *options) baseURL() string {
	return strings.TrimRight(o.apiURL, "/")
}

func (o *options) jsonOutput() bool {
	return o.outputFormat == "json"
}

func (o *options) client() *apiClient {
	return newAPIClient(o.baseURL(), o.token, o.timeout)
}

// Execute runs the root command against os.Args.
func Execute() error {
	return newRootCmd(os.Stdout).Execute()
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{v: viper.New(), out: out}

	rootCmd := &cobra.Command{
		Use:          "jobctl",
		Short:        "CLI for the watermark job service",
		Long:         `jobctl submits, lists, inspects, and deletes watermark jobs through the job API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}
	rootCmd.SetOut(out)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.jobctl/config.yaml)")
	flags.StringVar(&opts.apiURL, "api-url", "", "job API base URL (default from config or http://localhost:8080)")
	flags.StringVar(&opts.token, "token", "", "bearer token for the job API")
	flags.StringVar(&opts.outputFormat, "output", "table", "output format: table or json")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP request timeout")

	rootCmd.AddCommand(newJobsCmd(opts))
	rootCmd.AddCommand(newTokenCmd(opts))
	return rootCmd
}

// load merges the config file and JOBCTL_* env into options the flags left unset.
func (o *options) load(cmd *cobra.Command) error {
	v := o.v
	if o.cfgFile != "" {
		v.SetConfigFile(o.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".jobctl"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("JOBCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("api_url", "http://localhost:8080")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// an explicit --config must exist; the default location is optional
		if o.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	if !cmd.Flags().Changed("api-url") {
		o.apiURL = v.GetString("api_url")
	}
	if !cmd.Flags().Changed("token") {
		o.token = v.GetString("token")
	}
	if !cmd.Flags().Changed("output") && v.IsSet("output") {
		o.outputFormat = v.GetString("output")
	}

	switch o.outputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("unknown output format %q", o.outputFormat)
	}
	return nil
}
