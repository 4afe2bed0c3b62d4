package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
)

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Action: func(c *cli.Context) error {
			url := c.String("server-url") + "/health"

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				return fmt.Errorf("failed to reach server: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server unhealthy (status %d): %s", resp.StatusCode, body)
			}

			if c.Bool("json") {
				fmt.Println(string(body))
				return nil
			}

			var health map[string]interface{}
			if err := json.Unmarshal(body, &health); err != nil {
				fmt.Println(string(body))
				return nil
			}
			fmt.Println("✓ Server is healthy")
			for k, v := range health {
				fmt.Printf("  %s: %v\n", k, v)
			}
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print CLI version information",
		Action: func(c *cli.Context) error {
			if c.Bool("json") {
				out, err := json.Marshal(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    date,
				})
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Printf("solexport %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
			return nil
		},
	}
}
