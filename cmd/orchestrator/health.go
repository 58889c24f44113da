package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/pkg/models"
)

type healthResponse struct {
	Summary models.HealthSummary `json:"summary"`
	Servers []models.Health      `json:"servers"`
}

func buildHealthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the running orchestrator's tool server health snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "orchestrator control endpoint base URL")
	return cmd
}

func runHealth(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/api/servers/health")
	if err != nil {
		return fmt.Errorf("query health endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %s", resp.Status)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	fmt.Printf("total=%d healthy=%d unhealthy=%d reconnecting=%d disconnected=%d\n",
		body.Summary.Total, body.Summary.Healthy, body.Summary.Unhealthy,
		body.Summary.Reconnecting, body.Summary.Disconnected)
	for _, h := range body.Servers {
		lastCheck := time.UnixMilli(h.LastCheck).Format(time.RFC3339)
		fmt.Printf("%s\tstatus=%s\tlast_check=%s\tconsecutive_failures=%d\n",
			h.Name, h.Status, lastCheck, h.ConsecutiveFailures)
	}
	return nil
}
