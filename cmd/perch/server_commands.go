package main

import (
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

			httpClient := &http.Client{Timeout: 5 * time.Second}
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server unhealthy: status %d: %s", resp.StatusCode, string(body))
			}

			fmt.Printf("server healthy: %s\n", string(body))
			return nil
		},
	}
}
