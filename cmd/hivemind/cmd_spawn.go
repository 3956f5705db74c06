package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hivemind/coordinator/internal/store/models"
)

func newSpawnCmd() *cobra.Command {
	var queenType string
	var maxWorkers int
	var consensusAlgo string
	var nonInteractive bool

	cmd := &cobra.Command{
		Use:   "spawn <objective>",
		Short: "Spawn a new swarm for an objective and stay resident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			objective := args[0]

			qt := models.QueenType(queenType)
			switch qt {
			case models.QueenTypeStrategic, models.QueenTypeTactical, models.QueenTypeAdaptive:
			default:
				return fmt.Errorf("invalid --queen-type %q", queenType)
			}

			switch models.ConsensusAlgo(consensusAlgo) {
			case models.ConsensusMajority, models.ConsensusWeighted, models.ConsensusByzantine:
			default:
				return fmt.Errorf("invalid --consensus %q", consensusAlgo)
			}

			c, err := NewCoordinator()
			if err != nil {
				return err
			}
			c.cfg.Swarm.ConsensusAlgo = models.ConsensusAlgo(consensusAlgo)
			c.cfg.Swarm.NonInteractive = nonInteractive
			c.Start()
			defer c.Shutdown()

			ctx := context.Background()
			swarmID, sessionID, err := c.SpawnSwarm(ctx, objective, qt, maxWorkers, nil, c.cfg.Swarm.Topology)
			if err != nil {
				return fmt.Errorf("failed to spawn swarm: %w", err)
			}

			out, _ := json.Marshal(map[string]string{"swarmId": swarmID, "sessionId": sessionID})
			fmt.Println(string(out))

			if nonInteractive {
				return nil
			}

			// The auto-save middleware owns SIGINT/SIGTERM for this
			// process and runs the full §4.4 shutdown sequence; wait
			// for its outcome instead of installing a second signal
			// handler, which would otherwise race it on every Ctrl-C.
			if mw := c.SwarmMiddleware(swarmID); mw != nil {
				<-mw.Done()
			}
			c.logger.Info("session shut down")
			return nil
		},
	}

	cmd.Flags().StringVar(&queenType, "queen-type", string(models.QueenTypeStrategic), "queen policy: strategic|tactical|adaptive")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 8, "maximum worker pool size")
	cmd.Flags().StringVar(&consensusAlgo, "consensus", string(models.ConsensusMajority), "consensus algorithm: majority|weighted|byzantine")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "spawn and exit without waiting for a shutdown signal")
	return cmd
}
