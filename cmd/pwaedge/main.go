package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "pwaedge",
		Short:         "Offline-first edge worker for a progressive web app",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), watchCmd(), subscribeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pwaedge:", err)
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
