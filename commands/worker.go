package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/j0hanz/fetch-url-mcp-sub001/workerpool"
)

// workerCommandName is the argument the pool passes when re-execing this
// binary as a process-transport worker.
const workerCommandName = "transform-worker"

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    workerCommandName,
		Short:  "Run as a transform worker over stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return workerpool.RunWorker(os.Stdin, os.Stdout)
		},
	}
}
