package main

import (
	"fmt"
	"net/url"

	"github.com/cuemby/pdisk/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "REDACTED"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and the configuration file have
been merged. Passwords are redacted.

Examples:
  # Show the configuration read from the default path
  pdisk config show

  # Show the configuration of another file
  pdisk config show --config ./pdisk.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(redact(cfg))
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %v", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func redact(c config.Config) config.Config {
	if c.Store.Password != "" {
		c.Store.Password = redacted
	}
	if c.Notify.SMTP.Password != "" {
		c.Notify.SMTP.Password = redacted
	}
	if u, err := url.Parse(c.Notify.AMQP.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
			c.Notify.AMQP.URL = u.String()
		}
	}
	return c
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
