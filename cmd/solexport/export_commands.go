package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/brojonat/solexport/client"
	"github.com/brojonat/solexport/service/export"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// newAPIClient builds an HTTP client for the solexport service from the
// global flags. Errors go to stderr so stdout stays clean for CSV/JSON.
func newAPIClient(c *cli.Context, timeout time.Duration) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	var httpClient *http.Client
	if timeout > 0 {
		httpClient = &http.Client{Timeout: timeout}
	}
	return client.NewClient(c.String("server-url"), httpClient, logger)
}

func exportRequestFromFlags(c *cli.Context) (client.ExportRequest, error) {
	if c.NArg() < 1 {
		return client.ExportRequest{}, fmt.Errorf("wallet address is required")
	}

	req := client.ExportRequest{
		Wallet:    c.Args().Get(0),
		StartDate: c.String("start"),
		EndDate:   c.String("end"),
		MinUSD:    c.Float64("min-usd"),
		Types:     c.StringSlice("type"),
		TokenMint: c.String("token-mint"),
	}
	if c.IsSet("max-usd") {
		maxUSD := c.Float64("max-usd")
		req.MaxUSD = &maxUSD
	}
	if req.StartDate == "" || req.EndDate == "" {
		return client.ExportRequest{}, fmt.Errorf("--start and --end are required")
	}
	return req, nil
}

func exportWindowFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "start",
			Usage:    "Window start (YYYY-MM-DD or RFC 3339)",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "end",
			Usage:    "Window end (YYYY-MM-DD or RFC 3339)",
			Required: true,
		},
		&cli.Float64Flag{
			Name:  "min-usd",
			Usage: "Minimum USD value per activity",
		},
		&cli.Float64Flag{
			Name:  "max-usd",
			Usage: "Maximum USD value per activity",
		},
		&cli.StringSliceFlag{
			Name:  "type",
			Usage: "Activity type to include (SWAP, AGG_SWAP); repeatable",
		},
		&cli.StringFlag{
			Name:  "token-mint",
			Usage: "Only include activities touching this token mint",
		},
	}
}

func exportCommand() *cli.Command {
	flags := append(exportWindowFlags(),
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output file path (default: server-suggested filename, \"-\" for stdout)",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Value:   15 * time.Minute,
			Usage:   "How long to wait for the export to finish",
		},
	)

	return &cli.Command{
		Name:      "export",
		Usage:     "Run a synchronous export and save the CSV",
		ArgsUsage: "WALLET_ADDRESS",
		Flags:     flags,
		Action: func(c *cli.Context) error {
			req, err := exportRequestFromFlags(c)
			if err != nil {
				return err
			}

			cl := newAPIClient(c, c.Duration("timeout"))

			fmt.Fprintf(os.Stderr, "Exporting activity for %s (%s to %s)...\n",
				req.Wallet, req.StartDate, req.EndDate)

			res, err := cl.Export(c.Context, req)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			outPath := c.String("output")
			if outPath == "-" {
				if _, err := os.Stdout.Write(res.CSV); err != nil {
					return err
				}
			} else {
				if outPath == "" {
					outPath = res.Filename
				}
				if err := os.WriteFile(outPath, res.CSV, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", outPath, err)
				}
				fmt.Fprintf(os.Stderr, "Wrote %s\n", outPath)
			}

			fmt.Fprintf(os.Stderr, "Rows: %d  Pages: %d\n", res.Rows, res.Pages)
			if res.Capped {
				fmt.Fprintf(os.Stderr, "Warning: record cap reached, export may be incomplete\n")
			}
			if res.Truncated {
				fmt.Fprintf(os.Stderr, "Warning: row limit reached, oldest activity dropped\n")
			}
			if res.Partial != "" {
				fmt.Fprintf(os.Stderr, "Warning: partial export (%s)\n", res.Partial)
			}
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	flags := append(exportWindowFlags(),
		&cli.DurationFlag{
			Name:  "max-window",
			Value: export.DefaultMaxWindow,
			Usage: "Maximum window span to validate against",
		},
	)

	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate export criteria locally, without contacting the server",
		ArgsUsage: "WALLET_ADDRESS",
		Flags:     flags,
		Action: func(c *cli.Context) error {
			req, err := exportRequestFromFlags(c)
			if err != nil {
				return err
			}

			start, err := parseFlagDate(req.StartDate, false)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end, err := parseFlagDate(req.EndDate, true)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			criteria := export.FilterCriteria{
				Wallet:    req.Wallet,
				Start:     start,
				End:       end,
				MinUSD:    req.MinUSD,
				MaxUSD:    req.MaxUSD,
				Types:     req.Types,
				TokenMint: req.TokenMint,
			}
			if len(criteria.Types) == 0 {
				criteria.Types = []string{export.TypeSwap, export.TypeAggSwap}
			}

			if err := criteria.Validate(c.Duration("max-window")); err != nil {
				return err
			}
			fmt.Println("✓ Criteria are valid")
			return nil
		},
	}
}

// parseFlagDate accepts YYYY-MM-DD or RFC 3339. Date-only end values
// extend to the end of that day, matching the server's interpretation.
func parseFlagDate(s string, isEnd bool) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		if isEnd {
			return t.Add(24*time.Hour - time.Second), nil
		}
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func jobsStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start an async export job",
		ArgsUsage: "WALLET_ADDRESS",
		Flags:     exportWindowFlags(),
		Action: func(c *cli.Context) error {
			req, err := exportRequestFromFlags(c)
			if err != nil {
				return err
			}

			cl := newAPIClient(c, 30*time.Second)
			job, err := cl.StartExport(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to start export job: %w", err)
			}

			if c.Bool("json") {
				return printJSON(job)
			}
			fmt.Printf("Started job %s\n", job.ID)
			fmt.Printf("Follow it with: solexport jobs watch %s\n", job.ID)
			return nil
		},
	}
}

func jobsGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show an export job",
		ArgsUsage: "JOB_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the job JSON",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("job id is required")
			}

			cl := newAPIClient(c, 30*time.Second)
			job, err := cl.GetJob(c.Context, c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("failed to get job: %w", err)
			}

			if filter := c.String("jq"); filter != "" {
				return printJQ(filter, job)
			}
			if c.Bool("json") {
				return printJSON(job)
			}
			printJob(job)
			return nil
		},
	}
}

func jobsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List export jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "wallet",
				Usage: "Only list jobs for this wallet",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 50,
				Usage: "Maximum number of jobs to return",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of jobs to skip",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the job list JSON",
			},
		},
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c, 30*time.Second)
			jobs, err := cl.ListJobs(c.Context, c.String("wallet"), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}

			if filter := c.String("jq"); filter != "" {
				return printJQ(filter, jobs)
			}
			if c.Bool("json") {
				return printJSON(jobs)
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found")
				return nil
			}
			for _, job := range jobs {
				printJob(job)
				fmt.Println()
			}
			return nil
		},
	}
}

func jobsDownloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "download",
		Usage:     "Download the CSV artifact of a finished job",
		ArgsUsage: "JOB_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output file path (default: JOB_ID.csv, \"-\" for stdout)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("job id is required")
			}
			jobID := c.Args().Get(0)

			cl := newAPIClient(c, 5*time.Minute)
			data, err := cl.DownloadJob(c.Context, jobID)
			if err != nil {
				return fmt.Errorf("failed to download job %s: %w", jobID, err)
			}

			outPath := c.String("output")
			if outPath == "-" {
				_, err := os.Stdout.Write(data)
				return err
			}
			if outPath == "" {
				outPath = jobID + ".csv"
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outPath, err)
			}
			fmt.Fprintf(os.Stderr, "Wrote %s\n", outPath)
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// printJQ marshals v, applies the jq expression, and prints each result
// on its own line.
func printJQ(filter string, v interface{}) error {
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}

	// Round-trip through JSON so gojq sees plain maps and slices.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("failed to unmarshal input: %w", err)
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if resultErr, isErr := result.(error); isErr {
			return fmt.Errorf("jq filter error: %w", resultErr)
		}
		out, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Println(string(out))
	}
	return nil
}

func printJob(job *client.Job) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Job:       %s\n", job.ID)
	fmt.Printf("Wallet:    %s\n", job.Wallet)
	fmt.Printf("Window:    %s to %s\n",
		job.WindowStart.Format("2006-01-02"), job.WindowEnd.Format("2006-01-02"))
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Pages:     %d\n", job.Pages)
	fmt.Printf("Records:   %d\n", job.RawRecords)
	fmt.Printf("Rows:      %d\n", job.Rows)
	if job.Capped {
		fmt.Printf("Capped:    yes\n")
	}
	if job.Truncated {
		fmt.Printf("Truncated: yes\n")
	}
	if job.ErrorKind != nil {
		fmt.Printf("Error:     %s\n", *job.ErrorKind)
	}
	if job.HasArtifact {
		fmt.Printf("Artifact:  available (solexport jobs download %s)\n", job.ID)
	}
	fmt.Printf("Created:   %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:   %s\n", job.UpdatedAt.Format(time.RFC3339))
}
