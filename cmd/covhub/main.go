package main

import (
	"fmt"
	"os"

	"github.com/zjy-dev/covhub/cmd/covhub/app"
)

func main() {
	if err := app.NewCovhubCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
