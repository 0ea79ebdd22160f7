package main

import (
	"context"
	"flag"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/pulseiot/pulse/pkg/seed"
	"github.com/pulseiot/pulse/pkg/store"
)

func main() {
	seedPath := flag.String("seed", "", "optional YAML seed file applied after schema init")
	flag.Parse()

	dbURL := flag.Arg(0)
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("Usage: pulse-bootstrap [--seed file.yaml] <db_url>")
	}

	ctx := context.Background()

	db, err := store.Open(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	log.Println("[bootstrap] Initializing schemas...")
	if err := store.InitAll(ctx, db); err != nil {
		log.Fatalf("Failed to init schemas: %v", err)
	}
	log.Println("[bootstrap] Schemas initialized.")

	if *seedPath != "" {
		log.Printf("[bootstrap] Applying seed %s...", *seedPath)
		f, err := seed.Load(*seedPath)
		if err != nil {
			log.Fatalf("Failed to load seed: %v", err)
		}
		if err := seed.Apply(ctx, db, f); err != nil {
			log.Fatalf("Failed to apply seed: %v", err)
		}
		log.Printf("[bootstrap] Seeded %d tenant(s).", len(f.Tenants))
	}

	log.Println("[bootstrap] Bootstrap complete.")
}
