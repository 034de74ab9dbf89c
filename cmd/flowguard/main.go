// Command flowguard scores network flows for threats.
package main

import (
	"fmt"
	"os"

	"github.com/hed1ad/flowguard/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowguard:", err)
		os.Exit(1)
	}
}
