package main

import (
	"flag"
	"log"

	"github.com/rbnvrw/frapalyzer/internal/config"
)

func main() {
	kind := flag.String("kind", "full", "config kind: full|minimal")
	output := flag.String("output", "frapalyzer.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "frapalyzer.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if _, err := config.ValidateFile(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, *output)
}
