package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garnizeh/dispatch/internal/config"
	"github.com/garnizeh/dispatch/internal/database"
	"github.com/garnizeh/dispatch/internal/joblog"
	"github.com/garnizeh/dispatch/internal/queue"
	"github.com/garnizeh/dispatch/internal/server"
	"github.com/garnizeh/dispatch/internal/signing"
	"github.com/garnizeh/dispatch/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("%s - failed to load config: %v", time.Now().UTC().Format(time.RFC3339), err)
		os.Exit(1)
	}

	db, err := database.InitDB(ctx, cfg.DBPath)
	if err != nil {
		log.Printf("%s - failed to initialize database: %v", time.Now().UTC().Format(time.RFC3339), err)
		os.Exit(2)
	}
	defer func() {
		if err := database.CloseDB(db); err != nil {
			log.Printf("%s - warning: failed to close database: %v", time.Now().UTC().Format(time.RFC3339), err)
		}
	}()

	ring := signing.NewKeyRing()
	if err := ring.AddEd25519(cfg.KeyID, cfg.AttestationPub); err != nil {
		log.Printf("%s - failed to register attestation key: %v", time.Now().UTC().Format(time.RFC3339), err)
		os.Exit(1)
	}
	for _, wk := range cfg.WorkerKeys {
		switch wk.Alg {
		case "ed25519":
			err = ring.AddEd25519(wk.ID, wk.Material)
		case "secp256k1":
			err = ring.AddSecp256k1(wk.ID, wk.Material)
		}
		if err != nil {
			log.Printf("%s - failed to register worker key %s: %v", time.Now().UTC().Format(time.RFC3339), wk.ID, err)
			os.Exit(1)
		}
	}
	if cfg.WorkerHMACSecret != "" {
		ring.AddHMAC("worker-hmac", []byte(cfg.WorkerHMACSecret))
	}

	signer, err := signing.NewEd25519Signer(cfg.KeyID, cfg.AttestationKey, ring)
	if err != nil {
		log.Printf("%s - failed to build signer: %v", time.Now().UTC().Format(time.RFC3339), err)
		os.Exit(1)
	}

	engine := queue.NewEngine(store.NewSQLite(db), signer, joblog.New(nil))

	srv := server.New(cfg, db, engine)
	srv.RegisterRoutes()

	log.Printf("%s - starting server on :%s", time.Now().UTC().Format(time.RFC3339), cfg.Port)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(sigCtx); err != nil {
		log.Printf("%s - server stopped: %v", time.Now().UTC().Format(time.RFC3339), err)
		os.Exit(1)
	}

	log.Printf("%s - server exited cleanly", time.Now().UTC().Format(time.RFC3339))
}
