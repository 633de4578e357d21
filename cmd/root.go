package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/picvault/picvault/cmd.Version=v2.1.0"
var Version = "dev"

var (
	iniFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "picvault",
	Short: "picvault — multi-tenant image publishing runtime",
	Long:  "picvault selects images from object storage, captions them with a vision model, publishes to the configured platforms, and serves the curation web UI. Configuration comes from the environment; run without arguments to start the service.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&iniFile, "config", "", "legacy INI file (default: $PICVAULT_INI or picvault.ini)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the web service (same as running with no arguments)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("picvault %s %s/%s\n", Version, runtime.GOOS, runtime.GOARCH)
		},
	}
}

// applyINIFlag routes --config to the loader, which reads PICVAULT_INI.
func applyINIFlag() {
	if iniFile != "" {
		os.Setenv("PICVAULT_INI", iniFile)
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
