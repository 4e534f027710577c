package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/pvelkov/tokenledger/internal/api"
	"github.com/pvelkov/tokenledger/internal/config"
	"github.com/pvelkov/tokenledger/internal/service"
	"github.com/pvelkov/tokenledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	st, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer st.Close()

	ledger := service.NewLedgerService(st)
	referrals := service.NewReferralService(st, ledger)
	payments := service.NewStripeService(ledger, cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	handler := api.NewHandler(ledger, referrals, payments, st.Ping)
	router := api.NewRouter(handler)

	go expiredKeyJanitor(st)

	log.Printf("Server starting on :%s (%s)", cfg.Port, cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatal(err)
	}
}

// expiredKeyJanitor sweeps finalized idempotency keys past their 24h window
// so the table does not grow without bound.
func expiredKeyJanitor(st *store.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		deleted, err := st.DeleteExpiredIdempotencyKeys(ctx)
		cancel()
		if err != nil {
			log.Printf("idempotency cleanup failed: %v", err)
			continue
		}
		if deleted > 0 {
			log.Printf("idempotency cleanup removed %d expired keys", deleted)
		}
	}
}
