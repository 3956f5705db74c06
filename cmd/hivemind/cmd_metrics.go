package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hivemind/coordinator/internal/store/models"
)

func newMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show overall and per-swarm throughput and success rates",
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

			type swarmMetrics struct {
				SwarmID     string  `json:"swarmId"`
				TasksTotal  int     `json:"tasksTotal"`
				Completed   int     `json:"completed"`
				Failed      int     `json:"failed"`
				SuccessRate float64 `json:"successRate"`
			}

			perSwarm := make([]swarmMetrics, 0, len(swarms))
			var totalCompleted, totalFailed, totalTasks int

			for _, sw := range swarms {
				tasks, _ := c.repos.Task().GetBySwarm(ctx, sw.ID)
				completed, failed := 0, 0
				for _, t := range tasks {
					switch t.Status {
					case models.TaskStatusCompleted:
						completed++
					case models.TaskStatusFailed:
						failed++
					}
				}
				rate := 0.0
				if completed+failed > 0 {
					rate = float64(completed) / float64(completed+failed)
				}
				perSwarm = append(perSwarm, swarmMetrics{
					SwarmID:     sw.ID,
					TasksTotal:  len(tasks),
					Completed:   completed,
					Failed:      failed,
					SuccessRate: rate,
				})
				totalCompleted += completed
				totalFailed += failed
				totalTasks += len(tasks)
			}

			overallRate := 0.0
			if totalCompleted+totalFailed > 0 {
				overallRate = float64(totalCompleted) / float64(totalCompleted+totalFailed)
			}

			resp := map[string]interface{}{
				"overall": map[string]interface{}{
					"tasksTotal":  totalTasks,
					"completed":   totalCompleted,
					"failed":      totalFailed,
					"successRate": overallRate,
				},
				"perSwarm": perSwarm,
			}

			out, _ := json.MarshalIndent(resp, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}
