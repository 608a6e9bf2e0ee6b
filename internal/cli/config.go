package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	Long: `Print the configuration that serve would run with, after the config file,
the environment and the flags have been applied. The admin token is
redacted.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		c := initContext(cmd)
		data, err := c.Config.Marshal()
		if err != nil {
			exitError("%v", err)
		}
		if path := c.Config.Path(); path != "" {
			os.Stdout.WriteString("# from " + path + "\n")
		}
		os.Stdout.Write(data)
	},
}
