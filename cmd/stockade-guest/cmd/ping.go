package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dennishilgert/stockade/internal/app/approval"
	"github.com/dennishilgert/stockade/pkg/channel"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/spf13/cobra"
)

var pingCommand = &cobra.Command{
	Use:   "ping",
	Short: "Check that the host answers",
	Args:  cobra.NoArgs,
	Run: func(cobraCommand *cobra.Command, args []string) {
		logger.ReadAndApply(cobraCommand, log)
		os.Exit(processPing(cobraCommand.OutOrStdout()))
	},
}

func processPing(out io.Writer) int {
	var rtt time.Duration
	err := withClient(func(ctx context.Context, client *channel.Client) error {
		start := time.Now()
		result, err := client.SendRequest(ctx, approval.MethodPing, nil)
		if err != nil {
			return err
		}
		rtt = time.Since(start)

		var pong approval.PingResult
		if err := json.Unmarshal(result, &pong); err != nil {
			return fmt.Errorf("malformed ping result: %w", err)
		}
		if !pong.Pong {
			return fmt.Errorf("host did not answer the ping")
		}
		return nil
	})
	if err != nil {
		log.Errorf("ping failed: %v", err)
		return 1
	}
	fmt.Fprintf(out, "pong in %s\n", rtt.Round(time.Microsecond))
	return 0
}
