package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"presence/internal/config"
	"presence/internal/notify"
	"presence/internal/queue"
	"presence/internal/store"
)

// Worker drains the notification queue and stamps dispatch times. Actual
// delivery (push, SMS) sits behind this hand-off point; today the stamp is
// the delivery.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.NotifyQueueKey)
	}

	repo := notify.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "notification" {
			continue
		}

		id := string(msg.Body)

		n, err := repo.Get(ctx, id)
		if err != nil {
			log.Printf("fetch notification %s failed: %v", id, err)
			continue
		}
		if n == nil {
			log.Printf("notification %s not found, skipping", id)
			continue
		}

		dispatched, err := repo.MarkDispatched(ctx, id)
		if err != nil {
			log.Printf("dispatch stamp failed for %s: %v", id, err)
			continue
		}
		if !dispatched {
			// Already handled by another worker instance.
			continue
		}
		log.Printf("dispatched %q to parent %s", n.Title, n.ParentID)
	}

	log.Println("worker stopped")
}
