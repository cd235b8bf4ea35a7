package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.2.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Server-side trust and abuse control for realtime game servers",
	Long: `Warden is the trust boundary of a realtime multiplayer game server.
It validates every inbound packet against a closed schema catalog, rate
limits each connection with escalating penalties, scores behavioral
signals for automation and cheating, and manages session lifecycle.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults)")
}
