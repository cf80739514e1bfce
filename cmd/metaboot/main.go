package main

import (
	"os"

	"github.com/cloudboss/metaboot/cmd/metaboot/tree"
)

func main() {
	if err := tree.Execute(); err != nil {
		os.Exit(1)
	}
}
