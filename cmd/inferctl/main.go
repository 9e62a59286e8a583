package main

import (
	"fmt"
	"os"

	"github.com/veighnsche/inferd/internal/inferctl"
)

func main() {
	if err := inferctl.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferctl:", err)
		os.Exit(1)
	}
}
