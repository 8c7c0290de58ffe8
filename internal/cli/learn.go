package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Record trajectories and run learning cycles",
}

var learnBeginCmd = &cobra.Command{
	Use:   "begin",
	Short: "Open a trajectory and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		id, err := eng.BeginTrajectory()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var learnReward float64

var learnEndCmd = &cobra.Command{
	Use:   "end <trajectory-id>",
	Short: "Close a trajectory with a reward in [-1,1]",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("reward") {
			return fmt.Errorf("--reward is required")
		}
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		return eng.EndTrajectory(args[0], learnReward)
	},
}

var learnForce bool

var learnTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one learning cycle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		res, err := eng.Tick(cmd.Context(), learnForce)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var learnStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print learning counters and current weights",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()
		st, err := eng.LearningStats()
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	},
}

func init() {
	learnEndCmd.Flags().Float64Var(&learnReward, "reward", 0, "trajectory reward in [-1,1]")
	learnTickCmd.Flags().BoolVar(&learnForce, "force", false, "run even below the trajectory threshold")

	learnCmd.AddCommand(learnBeginCmd)
	learnCmd.AddCommand(learnEndCmd)
	learnCmd.AddCommand(learnTickCmd)
	learnCmd.AddCommand(learnStatsCmd)
}
