package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garnizeh/dispatch/internal/queue"
	"github.com/garnizeh/dispatch/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Dispatch worker starting...")

	cfg, err := worker.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("Configuration loaded:")
	log.Printf("  API URL: %s", cfg.APIURL)
	log.Printf("  Worker ID: %s", cfg.WorkerID)
	log.Printf("  Key ID: %s", cfg.KeyID)

	w, err := worker.NewWorker(cfg)
	if err != nil {
		log.Fatalf("failed to create worker: %v", err)
	}
	registerHandlers(w)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()

	log.Println("Worker started, waiting for jobs...")
	if err := w.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Println("Worker stopped gracefully")
			os.Exit(0)
		}
		log.Fatalf("Worker failed: %v", err)
	}

	log.Println("Worker stopped gracefully")
}

// registerHandlers installs a handler per recognized job type. These are
// stand-ins for the real integrations; deployments replace them with
// their own binaries built on the worker package.
func registerHandlers(w *worker.Worker) {
	w.Register("scheduler.tick", func(ctx context.Context, env *queue.Envelope) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"tickedAt":%q}`, time.Now().UTC().Format(time.RFC3339))), nil
	})
	w.Register("mail.dispatch", echoHandler)
	w.Register("export.bundle", echoHandler)
	w.Register("index.rebuild", echoHandler)
	w.Register("webhook.deliver", echoHandler)
}

// echoHandler acknowledges the payload without side effects.
func echoHandler(ctx context.Context, env *queue.Envelope) (json.RawMessage, error) {
	var payload any
	if err := json.Unmarshal([]byte(env.Payload), &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return json.RawMessage(`{"handled":true}`), nil
}
