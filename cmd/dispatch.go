package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kilianp07/jobdispatch/app"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <job-id>",
	Short: "Start or resume the offer loop of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *app.Service) error {
			res, err := svc.Engine().Dispatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote <job-id>",
	Short: "Show the fee a cancellation would owe right now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *app.Service) error {
			q, err := svc.Engine().CancellationFeeQuote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if q == nil {
				_, err = cmd.OutOrStdout().Write([]byte("no cancellation fee\n"))
				return err
			}
			return printJSON(cmd.OutOrStdout(), q)
		})
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd, quoteCmd)
}
