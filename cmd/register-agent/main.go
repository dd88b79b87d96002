package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/chatstore"
)

var tracer = otel.Tracer("register-agent")

func main() {
	id := flag.String("id", "", "agent id (required)")
	name := flag.String("name", "", "agent display name (required)")
	flag.Parse()

	if *id == "" || *name == "" {
		log.Fatal("usage: register-agent -id=<agent-id> -name=<display-name>")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ctx, span := tracer.Start(ctx, "register_agent.run")
	defer span.End()

	store, err := chatstore.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	if err := store.RegisterAgent(ctx, *id, *name); err != nil {
		log.Fatalf("Failed to register agent: %v", err)
	}

	log.Printf("Registered agent %q (%s)", *id, *name)
}
