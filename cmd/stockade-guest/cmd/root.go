package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/dennishilgert/stockade/pkg/channel"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/dennishilgert/stockade/pkg/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var log = logger.NewLogger("stockade.guest")

var rootCommand = &cobra.Command{
	Use:   "stockade-guest",
	Short: "Talk to the stockade host from inside a VM",
	Long:  "Command Line Interface for guests to request approvals and report progress over the host channel",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
		os.Exit(0)
	},
}

type connectionFlags struct {
	Port    uint32
	Timeout time.Duration
}

var (
	logFlags  = logger.ParseFlags()
	connFlags connectionFlags

	// dialHost is replaced in tests.
	dialHost = channel.DialHost
)

func connectionFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("connection", pflag.ExitOnError)
	fs.SortFlags = true

	defaultPort := utils.GetEnvIntOrElse("STOCKADE_CHANNEL_PORT", int(channel.DefaultPort))
	fs.Uint32Var(&connFlags.Port, "port", uint32(defaultPort), "Vsock port the host listens on")
	fs.DurationVar(&connFlags.Timeout, "timeout", 10*time.Minute, "How long to wait for the host to answer")
	return fs
}

func initFlags() {
	rootCommand.PersistentFlags().AddFlagSet(logFlags.FlagSet())
	rootCommand.PersistentFlags().AddFlagSet(connectionFlagSet())
}

func init() {
	initFlags()

	rootCommand.AddCommand(requestApprovalCommand)
	rootCommand.AddCommand(reportProgressCommand)
	rootCommand.AddCommand(pingCommand)
}

func Run() {
	if err := rootCommand.Execute(); err != nil {
		log.Fatal(err)
	}
}

// withClient dials the host and runs fn with a context bounded by the
// configured timeout.
func withClient(fn func(ctx context.Context, client *channel.Client) error) error {
	client, err := dialHost(connFlags.Port)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), connFlags.Timeout)
	defer cancel()
	return fn(ctx, client)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
