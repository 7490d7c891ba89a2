// Command grd-testclient drives the two scenario checks spec.md §6
// describes for exercising a running server from the outside: an RDP
// Graphics Pipeline client that renegotiates capabilities and verifies
// the first paint, and a minimal VNC client that verifies a password-
// gated framebuffer update arrives at the expected size.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var log = logging.L("testclient")

var rootCmd = &cobra.Command{
	Use:   "grd-testclient",
	Short: "Exercise a running RDP/VNC server and verify first-paint behavior",
}

func main() {
	logging.Init("text", "info", os.Stdout)
	log = logging.L("testclient")

	rootCmd.AddCommand(rdpCmd)
	rootCmd.AddCommand(vncCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
