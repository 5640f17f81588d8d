package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"onpatrol/internal/app"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

// env loads the environment, letting --config win over ONPATROL_CONFIG.
func (o *rootOptions) env() (app.Env, error) {
	e, err := app.LoadEnv(o.envFiles...)
	if err != nil {
		return app.Env{}, err
	}
	if o.configPath != "" {
		e.ConfigPath = o.configPath
	}
	return e, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "onpatrol",
		Short:         "Camera alert notification dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (json or yaml); overrides ONPATROL_CONFIG")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	cmd.AddCommand(
		newRunCommand(opts),
		newVerifyCommand(opts),
		newCheckConfigCommand(opts),
		newTestCommand(opts),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
