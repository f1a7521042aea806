package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dennishilgert/stockade/internal/app/approval"
	"github.com/dennishilgert/stockade/pkg/channel"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// exitDenied is the exit code of a request the host declined.
const exitDenied = 2

var requestApprovalCommand = &cobra.Command{
	Use:   "request-approval",
	Short: "Ask the host to approve an action",
	Long:  "Asks the host to approve an action and blocks until it is decided. Exits with 2 if the action was denied.",
	Args:  cobra.NoArgs,
	Run: func(cobraCommand *cobra.Command, args []string) {
		logger.ReadAndApply(cobraCommand, log)
		os.Exit(processRequestApproval(cobraCommand.OutOrStdout()))
	},
}

type approvalFlags struct {
	ActionType  string
	Description string
	Changes     []string
}

var approvalCmdFlags approvalFlags

func approvalFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("request-approval", pflag.ExitOnError)
	fs.SortFlags = true

	fs.StringVar(&approvalCmdFlags.ActionType, "action", "", "Type of the action, e.g. write_file")
	fs.StringVar(&approvalCmdFlags.Description, "description", "", "Human readable description of the action")
	fs.StringArrayVar(&approvalCmdFlags.Changes, "change", nil, "A change the action makes, may be repeated")
	return fs
}

func init() {
	requestApprovalCommand.Flags().AddFlagSet(approvalFlagSet())
	requestApprovalCommand.MarkFlagRequired("action")
	requestApprovalCommand.MarkFlagRequired("description")
}

func processRequestApproval(out io.Writer) int {
	req := approval.Request{
		ActionType:  approvalCmdFlags.ActionType,
		Description: approvalCmdFlags.Description,
		Changes:     approvalCmdFlags.Changes,
	}

	var decision approval.Decision
	err := withClient(func(ctx context.Context, client *channel.Client) error {
		result, err := client.SendRequest(ctx, approval.MethodRequestApproval, req)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(result, &decision); err != nil {
			return fmt.Errorf("malformed decision: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Errorf("approval request failed: %v", err)
		return 1
	}

	if err := printJSON(out, decision); err != nil {
		log.Errorf("failed to print decision: %v", err)
		return 1
	}
	if !decision.Approved {
		return exitDenied
	}
	return 0
}
