package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "solexport",
		Usage: "Solana DeFi transaction export CLI",
		Description: `A command-line tool for the solexport service.

Run synchronous exports to a local CSV file, manage async export jobs,
and follow job progress over SSE.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			exportCommand(),
			validateCommand(),
			// Async export job commands
			{
				Name:  "jobs",
				Usage: "Async export job commands",
				Subcommands: []*cli.Command{
					jobsStartCommand(),
					jobsGetCommand(),
					jobsListCommand(),
					jobsDownloadCommand(),
					jobsWatchCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "solexport server URL",
				EnvVars: []string{"SOLEXPORT_SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
