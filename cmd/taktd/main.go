package main

import (
	"log"
	"os"

	"github.com/NVIDIA/takt/pkg/api"
)

func main() {
	// Port falls back to the PORT environment variable via the server
	// config defaults.
	if err := api.Serve(api.Options{
		Kubeconfig: os.Getenv("KUBECONFIG"),
		LedgerPath: os.Getenv("TAKT_LEDGER"),
	}); err != nil {
		log.Fatal(err)
	}
}
