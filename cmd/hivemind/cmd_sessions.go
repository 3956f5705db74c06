package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List non-terminal sessions with live child-PID counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := NewCoordinator()
			if err != nil {
				return err
			}
			defer c.repos.Close()

			infos, err := c.sessions.GetActiveSessionsWithProcessInfo(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			type row struct {
				SessionID           string  `json:"sessionId"`
				SwarmID              string  `json:"swarmId"`
				Objective            string  `json:"objective"`
				Status               string  `json:"status"`
				CompletionPercentage float64 `json:"completionPercentage"`
				AliveChildPIDs       int     `json:"aliveChildPids"`
			}

			out := make([]row, 0, len(infos))
			for _, info := range infos {
				out = append(out, row{
					SessionID:            info.Session.ID,
					SwarmID:               info.Session.SwarmID,
					Objective:             info.Session.Objective,
					Status:                string(info.Session.Status),
					CompletionPercentage:  info.Session.CompletionPercentage,
					AliveChildPIDs:        len(info.AliveChildPIDs),
				})
			}

			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}
