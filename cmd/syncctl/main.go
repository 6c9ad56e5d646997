package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags and environment are resolved.
type app struct {
	cfg    *viper.Viper
	client *client
	json   bool
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: viper.New()}

	root := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and drive the MigrantHub sync daemon",
		Long: `syncctl talks to a running sync daemon over its HTTP API.

Flags can also be set through the environment with the SYNCCTL_ prefix,
for example SYNCCTL_ADDR or SYNCCTL_API_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			a.client = newClient(
				a.cfg.GetString("addr"),
				a.cfg.GetString("api-key"),
				a.cfg.GetString("api-extra"),
				a.cfg.GetDuration("timeout"),
			)
			a.json = a.cfg.GetBool("json")
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("addr", "http://localhost:8080", "daemon HTTP address")
	flags.String("api-key", "", "API key header value")
	flags.String("api-extra", "", "API extra header value")
	flags.Duration("timeout", 2*time.Minute, "request timeout")
	flags.Bool("json", false, "print raw JSON")

	a.cfg.SetEnvPrefix("SYNCCTL")
	a.cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.cfg.AutomaticEnv()

	root.AddCommand(
		a.statusCmd(),
		a.listCmd(),
		a.deadCmd(),
		a.enqueueCmd(),
		a.discardCmd(),
		a.retryCmd(),
		a.syncCmd(),
		a.exportCmd(),
	)
	return root
}
