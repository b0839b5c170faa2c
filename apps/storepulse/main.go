// Command storepulse runs the StorePulse event server and provides small
// operator tools around it.
//
//	storepulse serve --config storepulse.yaml
//	storepulse token --secret s3cret --user u-1 --role admin
//	storepulse tail --url http://localhost:8080 --token $TOKEN
//	storepulse publish --url http://localhost:8080 --token $TOKEN --kind content_update
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := buildRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "storepulse",
		Short:        "StorePulse - real-time storefront event distribution",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildTailCmd(),
		buildPublishCmd(),
	)

	return rootCmd
}
