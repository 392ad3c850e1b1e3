package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kilianp07/jobdispatch/app"
	"github.com/kilianp07/jobdispatch/core/model"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Inspect or change the scoring weights",
}

var weightsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active weights",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *app.Service) error {
			cfg, err := svc.Engine().ActiveWeights(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		})
	},
}

var (
	newWeights model.Weights
	updatedBy  string
)

var weightsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a new weight version for subsequent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *app.Service) error {
			cfg, err := svc.Engine().SetWeights(cmd.Context(), newWeights, updatedBy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		})
	},
}

func init() {
	f := weightsSetCmd.Flags()
	def := model.DefaultWeights()
	f.Float64Var(&newWeights.Proximity, "proximity", def.Proximity, "proximity weight")
	f.Float64Var(&newWeights.Skill, "skill", def.Skill, "skill match weight")
	f.Float64Var(&newWeights.Workload, "workload", def.Workload, "workload weight")
	f.Float64Var(&newWeights.Rating, "rating", def.Rating, "rating weight")
	f.StringVar(&updatedBy, "by", "cli", "operator recorded with the version")
	weightsCmd.AddCommand(weightsShowCmd, weightsSetCmd)
	rootCmd.AddCommand(weightsCmd)
}
