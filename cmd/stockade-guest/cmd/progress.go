package cmd

import (
	"context"
	"os"

	"github.com/dennishilgert/stockade/internal/app/approval"
	"github.com/dennishilgert/stockade/pkg/channel"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var reportProgressCommand = &cobra.Command{
	Use:   "report-progress",
	Short: "Report task progress to the host",
	Args:  cobra.NoArgs,
	Run: func(cobraCommand *cobra.Command, args []string) {
		logger.ReadAndApply(cobraCommand, log)
		os.Exit(processReportProgress())
	},
}

type progressFlags struct {
	Message string
	Percent int
}

var progressCmdFlags progressFlags

func progressFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("report-progress", pflag.ExitOnError)
	fs.SortFlags = true

	fs.StringVar(&progressCmdFlags.Message, "message", "", "Progress message")
	fs.IntVar(&progressCmdFlags.Percent, "percent", -1, "Completion in percent, negative if unknown")
	return fs
}

func init() {
	reportProgressCommand.Flags().AddFlagSet(progressFlagSet())
	reportProgressCommand.MarkFlagRequired("message")
}

func processReportProgress() int {
	progress := approval.Progress{Message: progressCmdFlags.Message}
	if progressCmdFlags.Percent >= 0 {
		percent := min(progressCmdFlags.Percent, 100)
		progress.Percent = &percent
	}

	err := withClient(func(ctx context.Context, client *channel.Client) error {
		return client.SendNotification(ctx, approval.MethodReportProgress, progress)
	})
	if err != nil {
		log.Errorf("failed to report progress: %v", err)
		return 1
	}
	return 0
}
