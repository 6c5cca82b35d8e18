package main

import (
	"fmt"
	"log"
	"os"

	"github.com/common-nighthawk/go-figure"

	"latch/internal/app"
)

const appname = "latch"

func main() {
	if os.Getenv("LATCH_NO_BANNER") == "" {
		banner := figure.NewFigure(appname, "cybermedium", true)
		fmt.Fprintln(os.Stderr, banner.String())
	}

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
