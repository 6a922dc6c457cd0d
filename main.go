package main

import (
	"os"

	"github.com/binwatch/binwatch/cli"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Printf("%v", err)
		os.Exit(cli.ExitCode(err))
	}
}
