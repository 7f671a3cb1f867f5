package main

import (
	"log"

	"github.com/ec1-systems/microvmd/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
