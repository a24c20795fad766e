package main

import (
	"log"

	"adchain/services/collectord"
)

func main() {
	if err := collectord.Main(); err != nil {
		log.Fatalf("collectord: %v", err)
	}
}
