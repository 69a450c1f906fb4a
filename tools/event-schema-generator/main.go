package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/grovetools/pipewatch/schema"
)

func main() {
	// Define the output directory and ensure it exists.
	outputDir := "schema/definitions"
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Fatalf("Error creating schema directory: %v", err)
	}

	for _, kind := range schema.EventKinds() {
		schemaBytes, err := schema.GenerateEventSchema(kind)
		if err != nil {
			log.Fatalf("Error generating %s schema: %v", kind, err)
		}

		outputPath := filepath.Join(outputDir, fmt.Sprintf("%s.event.schema.json", kind))
		if err := os.WriteFile(outputPath, schemaBytes, 0644); err != nil {
			log.Fatalf("Error writing schema file: %v", err)
		}

		log.Printf("Generated %s event schema at %s", kind, outputPath)
	}
}
