// Command quantadbd runs a QuantaDB node: the embedded engine and the
// realtime hub plus, when a cluster config is present, the raft-backed
// cluster manager.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quantadb/quantadb/internal/log"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "quantadbd",
		Short: "QuantaDB database server",
	}

	var logLevel string
	var logJSON bool
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	root.PersistentPreRun = func(*cobra.Command, []string) {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	}

	root.AddCommand(serveCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("quantadbd", version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
