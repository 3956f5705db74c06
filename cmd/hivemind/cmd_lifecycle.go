package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <sessionId>",
		Short: "Pause a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := NewCoordinator()
			if err != nil {
				return err
			}
			defer c.repos.Close()
			if err := c.sessions.PauseSession(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to pause session: %w", err)
			}
			fmt.Printf("session %s paused\n", args[0])
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <sessionId>",
		Short: "Resume a paused session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := NewCoordinator()
			if err != nil {
				return err
			}
			defer c.repos.Close()
			if err := c.sessions.ResumeSession(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to resume session: %w", err)
			}
			fmt.Printf("session %s resumed\n", args[0])
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <sessionId>",
		Short: "Stop a session permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := NewCoordinator()
			if err != nil {
				return err
			}
			defer c.repos.Close()
			if err := c.sessions.StopSession(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to stop session: %w", err)
			}
			fmt.Printf("session %s stopped\n", args[0])
			return nil
		},
	}
}
