package main

import (
	"log"

	"github.com/echoflow/gateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
