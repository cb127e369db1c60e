package main

import (
	"log"
	"os"

	"github.com/cpacia/obmail/cmd"
	"github.com/jessevdk/go-flags"
)

func main() {
	parser := flags.NewParser(nil, flags.Default)

	_, err := parser.AddCommand("start",
		"start the mail client",
		"The start command opens the data directory and begins processing mail.",
		&cmd.Start{})
	if err != nil {
		log.Fatal(err)
	}

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
