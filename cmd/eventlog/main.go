package main

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tandem/chat-app/internal/messaging"
)

func main() {
	log.Println("Starting Tandem event log...")

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "tandem-eventlog"

	natsClient, err := messaging.NewNATSClient(natsConfig, "eventlog")
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
	)

	err = natsClient.SubscribeEvents(func(ev messaging.Event) {
		mu.Lock()
		counts[ev.Kind]++
		mu.Unlock()

		log.Printf("[eventlog] %s kind=%s server=%s payload=%s",
			time.UnixMilli(ev.Ts).UTC().Format(time.RFC3339Nano), ev.Kind, ev.Server, ev.Payload)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to %s: %v", messaging.SubjectEventsAll, err)
	}

	log.Printf("Tandem event log running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  subject:  %s", messaging.SubjectEventsAll)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()

	mu.Lock()
	for kind, n := range counts {
		log.Printf("  %-18s %d", kind, n)
	}
	mu.Unlock()
}
