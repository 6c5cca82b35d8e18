// migrate applies the embedded latch schema migrations.
package main

import (
	"flag"
	"fmt"
	"os"

	"latch/internal/app"
	"latch/internal/db"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up or down")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "LATCH_DATABASE_URL is not set")
		os.Exit(1)
	}

	if err := db.Migrate(cfg.DatabaseURL, db.Direction(*direction)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
