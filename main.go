package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/andresbrocco/cloud-data-warehouse/blobstore"
	"github.com/andresbrocco/cloud-data-warehouse/schema"
	"github.com/andresbrocco/cloud-data-warehouse/warehouse"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	mode := flag.String("mode", "once", "Run mode: once or scheduled")
	batchID := flag.String("batch", "", "Batch identifier (once mode; generated if empty)")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		log.Fatalf("❌ Invalid config: %v", err)
	}
	log.Printf("🔧 Loaded configuration from %s", *configPath)

	model, err := schema.Load(config.SchemaPath)
	if err != nil {
		log.Fatalf("❌ Failed to load warehouse schema: %v", err)
	}
	log.Printf("📋 Schema: %d dimensions, %d facts", len(model.Dimensions), len(model.Facts))

	store, err := openBlobStore(config)
	if err != nil {
		log.Fatalf("❌ Failed to open blob store: %v", err)
	}

	db, err := warehouse.Open(config.Warehouse.Driver, config.Warehouse.DSN)
	if err != nil {
		log.Fatalf("❌ Failed to open warehouse: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := warehouse.InitSchema(ctx, db, model); err != nil {
		log.Fatalf("❌ Failed to initialize warehouse schema: %v", err)
	}

	orchestrator := NewOrchestrator(config, model, store, db)

	healthServer := NewHealthServer(orchestrator, config.Service.HealthPort)
	go func() {
		if err := healthServer.Start(); err != nil {
			log.Printf("❌ Health server error: %v", err)
		}
	}()

	switch *mode {
	case "once":
		id := *batchID
		if id == "" {
			id = generateBatchID()
		}
		manifest, err := orchestrator.Run(ctx, id, time.Now().UTC())
		if err != nil {
			log.Fatalf("❌ Run failed: %v", err)
		}
		log.Printf("🏁 Batch %s: %s", manifest.BatchID, manifest.Status)

	case "scheduled":
		runScheduled(ctx, cancel, orchestrator, config)

	default:
		log.Fatalf("❌ Unknown mode %q (use once or scheduled)", *mode)
	}
}

// newScheduler wires the recurring batch job. The job runs in singleton
// mode: a tick that fires while the previous run is still executing never
// overlaps it, so each dimension keeps a single writer.
func newScheduler(interval time.Duration, task func()) (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(interval).SingletonMode().Do(task); err != nil {
		return nil, err
	}
	return scheduler, nil
}

// runScheduled executes the pipeline on an interval until a shutdown signal
// arrives. Each tick gets its own generated batch identifier.
func runScheduled(ctx context.Context, cancel context.CancelFunc, orchestrator *Orchestrator, config *Config) {
	scheduler, err := newScheduler(config.RunInterval(), func() {
		id := generateBatchID()
		log.Printf("⏰ Scheduled run, batch %s", id)
		if _, err := orchestrator.Run(ctx, id, time.Now().UTC()); err != nil {
			log.Printf("❌ Scheduled run failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("❌ Failed to configure scheduler: %v", err)
	}

	scheduler.StartAsync()
	log.Printf("📅 Scheduler started, interval %v", config.RunInterval())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("📨 Received shutdown signal")
	cancel()
	scheduler.Stop()
	log.Println("✅ Graceful shutdown complete")
}

func openBlobStore(config *Config) (blobstore.Store, error) {
	if config.Blob.Backend == "fs" {
		return blobstore.NewFSStore(config.Blob.LocalDir)
	}
	return blobstore.NewS3Store(config.Blob.S3)
}

// generateBatchID derives a batch identifier from the wall clock, unique at
// second granularity for scheduled runs.
func generateBatchID() string {
	return fmt.Sprintf("batch-%s", time.Now().UTC().Format("20060102T150405"))
}
