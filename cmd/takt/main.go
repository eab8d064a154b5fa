package main

import (
	"log"

	"github.com/NVIDIA/takt/pkg/cli"
)

func main() {
	if err := cli.Run(); err != nil {
		log.Fatal(err)
	}
}
