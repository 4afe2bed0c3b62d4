package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	natspkg "github.com/brojonat/solexport/service/nats"
	"github.com/urfave/cli/v2"
)

func jobsWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow an export job's progress via SSE",
		ArgsUsage: "JOB_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("job id is required")
			}
			jobID := c.Args().Get(0)
			jsonOutput := c.Bool("json")

			url := fmt.Sprintf("%s/api/v1/exports/%s/events", c.String("server-url"), jobID)

			// Create context that cancels on interrupt
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			client := &http.Client{
				Timeout: 0, // No timeout for streaming
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned status %d", resp.StatusCode)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Watching job %s... (Ctrl+C to stop)\n\n", jobID)
			}

			// Read SSE events
			scanner := bufio.NewScanner(resp.Body)
			var currentEvent, currentData string

			for scanner.Scan() {
				line := scanner.Text()

				// Empty line indicates end of event
				if line == "" {
					if currentEvent != "" && currentData != "" {
						done, err := handleExportEvent(currentEvent, currentData, jsonOutput)
						if err != nil {
							fmt.Fprintf(os.Stderr, "Error handling event: %v\n", err)
						}
						if done {
							return nil
						}
					}
					currentEvent = ""
					currentData = ""
					continue
				}

				if strings.HasPrefix(line, "event:") {
					currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				} else if strings.HasPrefix(line, "data:") {
					currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				}
			}

			if err := scanner.Err(); err != nil {
				if ctx.Err() != nil {
					// Context cancelled (user interrupt)
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\nDisconnected\n")
					}
					return nil
				}
				return fmt.Errorf("error reading SSE stream: %w", err)
			}

			return nil
		},
	}
}

// handleExportEvent prints one SSE event. It reports done=true on the
// job's terminal event so the watch can exit.
func handleExportEvent(eventType, data string, jsonOutput bool) (bool, error) {
	switch eventType {
	case "connected":
		if !jsonOutput {
			fmt.Fprintf(os.Stderr, "✓ Subscribed\n\n")
		}
		return false, nil

	case string(natspkg.EventProgress), string(natspkg.EventComplete), string(natspkg.EventFailed):
		var ev natspkg.ExportEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return false, err
		}

		if jsonOutput {
			fmt.Println(data)
		} else {
			printExportEvent(&ev)
		}
		return ev.Type == natspkg.EventComplete || ev.Type == natspkg.EventFailed, nil

	case "error":
		var errInfo map[string]interface{}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return true, err
		}
		return true, fmt.Errorf("server error: %v", errInfo["error"])

	default:
		// Unknown event type, ignore
		return false, nil
	}
}

func printExportEvent(ev *natspkg.ExportEvent) {
	switch ev.Type {
	case natspkg.EventProgress:
		fmt.Printf("page %d: %d records fetched\n", ev.Pages, ev.Records)
	case natspkg.EventComplete:
		fmt.Printf("\n✓ Export complete: %d rows from %d pages\n", ev.Rows, ev.Pages)
		if ev.Capped {
			fmt.Printf("  Warning: record cap reached, export may be incomplete\n")
		}
		if ev.Truncated {
			fmt.Printf("  Warning: row limit reached, oldest activity dropped\n")
		}
		fmt.Printf("  Download with: solexport jobs download %s\n", ev.JobID)
	case natspkg.EventFailed:
		fmt.Printf("\n✗ Export failed: %s\n", ev.Error)
		if ev.Rows > 0 {
			fmt.Printf("  Partial result: %d rows from %d pages\n", ev.Rows, ev.Pages)
			fmt.Printf("  Download with: solexport jobs download %s\n", ev.JobID)
		}
	}
}
