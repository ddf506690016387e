// Package main runs the swap orchestration service:
// - run: HTTP API, swap tasks and the recovery sweeper
// - migrate: PostgreSQL and ClickHouse schema
package main

import (
	"os"

	"atomic-pek/internal/cli"
)

func main() {
	if !cli.Run(os.Args) {
		os.Exit(1)
	}
}
