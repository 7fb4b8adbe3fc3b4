package main

import (
	"os"

	"github.com/lightforgemedia/go-dopclient/cmd/dopclient/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
