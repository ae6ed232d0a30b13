// Command producer drives the facade's PutRecords path with synthetic
// events, the way the teacher's standalone producer drove raw
// kinesis.PutRecord calls directly.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	kinesissub "github.com/lifion/lifion-kinesis-sub000/client"
)

type sampleEvent struct {
	EventID   string                 `json:"event_id"`
	UserID    string                 `json:"user_id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Value     float64                `json:"value"`
	Metadata  map[string]interface{} `json:"metadata"`
	ShardKey  string                 `json:"shard_key"`
}

var actions = []string{"login", "purchase", "view", "click", "logout", "search", "add_to_cart", "checkout"}

func generateEvent(numShards int) *sampleEvent {
	shardKey := fmt.Sprintf("shard-key-%d", rand.Intn(numShards))
	return &sampleEvent{
		EventID:   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		UserID:    fmt.Sprintf("user_%d", rand.Intn(10000)),
		Timestamp: time.Now(),
		Action:    actions[rand.Intn(len(actions))],
		Value:     rand.Float64() * 1000,
		Metadata: map[string]interface{}{
			"source":  "producer",
			"version": "2.0",
			"session": fmt.Sprintf("sess_%d", rand.Intn(1000)),
		},
		ShardKey: shardKey,
	}
}

func applyAWSEnv(cfg *fileConfig) {
	if cfg.AWS.Region != "" {
		os.Setenv("AWS_REGION", cfg.AWS.Region)
	}
	if cfg.AWS.Endpoint != "" {
		os.Setenv("AWS_ENDPOINT_URL", cfg.AWS.Endpoint)
	}
	if cfg.AWS.AccessKey != "" {
		os.Setenv("AWS_ACCESS_KEY_ID", cfg.AWS.AccessKey)
		os.Setenv("AWS_SECRET_ACCESS_KEY", cfg.AWS.SecretKey)
	}
}

func main() {
	var configPath string
	root := &cobra.Command{
		Use:   "producer",
		Short: "Write synthetic events to a partitioned log using the facade's PutRecords path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the producer's YAML config file")
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	log.Println("========================================")
	log.Println("Starting producer")
	log.Println("========================================")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyAWSEnv(cfg)

	kc, err := kinesissub.New(kinesissub.Config{
		LogName:              cfg.Log.Name,
		ConsumerGroup:        cfg.Log.ConsumerGroup,
		CreateStreamIfNeeded: true,
		ShardCount:           int32(cfg.Producer.NumShards),
	})
	if err != nil {
		return fmt.Errorf("failed to construct client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received shutdown signal, stopping after current batch...")
		cancel()
	}()

	if err := kc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	defer kc.Stop()

	log.Printf("stream: %s", cfg.Log.Name)
	log.Printf("config: batchSize=%d batchDelayMs=%d totalMessages=%d numShards=%d",
		cfg.Producer.BatchSize, cfg.Producer.BatchDelayMs, cfg.Producer.TotalMessages, cfg.Producer.NumShards)

	messageCount := 0
	startTime := time.Now()
	shardDistribution := map[string]int{}

	log.Println("========================================")
	log.Println("producer is running, press ctrl+c to stop")
	log.Println("========================================")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		default:
		}
		if cfg.Producer.TotalMessages > 0 && messageCount >= cfg.Producer.TotalMessages {
			log.Printf("reached total message limit: %d messages", cfg.Producer.TotalMessages)
			break
		}

		batch := make([]kinesissub.PutRecordInput, 0, cfg.Producer.BatchSize)
		events := make([]*sampleEvent, 0, cfg.Producer.BatchSize)
		for i := 0; i < cfg.Producer.BatchSize; i++ {
			ev := generateEvent(cfg.Producer.NumShards)
			events = append(events, ev)
			batch = append(batch, kinesissub.PutRecordInput{Data: ev, PartitionKey: ev.ShardKey})
			if cfg.Producer.TotalMessages > 0 && messageCount+len(batch) >= cfg.Producer.TotalMessages {
				break
			}
		}

		out, err := kc.PutRecords(ctx, batch)
		if err != nil {
			log.Printf("failed to put records: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for i, r := range out.Records {
			messageCount++
			shardDistribution[r.ShardID]++
			if messageCount%100 == 0 {
				log.Printf("[%d] eventID=%s userID=%s action=%s shardID=%s",
					messageCount, events[i].EventID, events[i].UserID, events[i].Action, r.ShardID)
			}
		}

		elapsed := time.Since(startTime).Seconds()
		rate := float64(messageCount) / elapsed
		log.Printf("stats: total=%d rate=%.2f/s elapsed=%.2fs uniqueShards=%d",
			messageCount, rate, elapsed, len(shardDistribution))

		if cfg.Producer.TotalMessages == 0 || messageCount < cfg.Producer.TotalMessages {
			select {
			case <-ctx.Done():
			case <-time.After(cfg.batchDelay()):
			}
		}
	}

	elapsed := time.Since(startTime).Seconds()
	log.Println("========================================")
	log.Printf("producer completed: messages=%d duration=%.2fs rate=%.2f/s uniqueShards=%d",
		messageCount, elapsed, float64(messageCount)/elapsed, len(shardDistribution))
	log.Println("========================================")
	return nil
}
