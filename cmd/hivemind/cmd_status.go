package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hivemind/coordinator/internal/store/models"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show aggregate per-swarm agent/task counts and completion percentages",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := NewCoordinator()
			if err != nil {
				return err
			}
			defer c.repos.Close()

			ctx := context.Background()
			swarms, err := c.repos.Swarm().GetByStatus(ctx, models.SwarmStatusActive)
			if err != nil {
				return fmt.Errorf("failed to load swarms: %w", err)
			}

			type swarmStatus struct {
				SwarmID              string  `json:"swarmId"`
				Name                 string  `json:"name"`
				Status               string  `json:"status"`
				AgentCount           int     `json:"agentCount"`
				TaskCount            int     `json:"taskCount"`
				CompletionPercentage float64 `json:"completionPercentage"`
			}

			report := make([]swarmStatus, 0, len(swarms))
			for _, sw := range swarms {
				agents, _ := c.repos.Agent().GetBySwarm(ctx, sw.ID)
				tasks, _ := c.repos.Task().GetBySwarm(ctx, sw.ID)
				completed := 0
				for _, t := range tasks {
					if t.Status == models.TaskStatusCompleted {
						completed++
					}
				}
				pct := 0.0
				if len(tasks) > 0 {
					pct = float64(completed) / float64(len(tasks)) * 100
				}
				report = append(report, swarmStatus{
					SwarmID:              sw.ID,
					Name:                 sw.Name,
					Status:               string(sw.Status),
					AgentCount:           len(agents),
					TaskCount:            len(tasks),
					CompletionPercentage: pct,
				})
			}

			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}
