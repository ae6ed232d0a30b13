// Command consumer drives the facade's decoded-event stream, printing
// each record as a JSON line the way the teacher's enhanced consumer
// logged each KCL-delivered record.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	kinesissub "github.com/lifion/lifion-kinesis-sub000/client"
)

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
		Use:   "consumer",
		Short: "Print decoded events from the facade's output channel as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the consumer's YAML config file")
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(configPath string) error {
	log.Println("========================================")
	log.Println("Starting consumer")
	log.Println("========================================")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyAWSEnv(cfg)

	kc, err := kinesissub.New(kinesissub.Config{
		LogName:                cfg.Log.Name,
		ConsumerGroup:          cfg.Log.ConsumerGroup,
		UseEnhancedFanOut:      cfg.Consumer.UseEnhancedFanOut,
		UseAutoCheckpoints:     cfg.Consumer.UseAutoCheckpoints,
		UseAutoShardAssignment: cfg.Consumer.UseAutoShardAssignment,
		Limit:                  int32(cfg.Consumer.Limit),
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
		log.Println("received shutdown signal...")
		cancel()
	}()

	if err := kc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}

	log.Printf("stream: %s", cfg.Log.Name)
	log.Printf("enhanced fan-out: %v, auto checkpoints: %v", cfg.Consumer.UseEnhancedFanOut, cfg.Consumer.UseAutoCheckpoints)
	log.Println("========================================")
	log.Println("consumer is running, press ctrl+c to stop")
	log.Println("========================================")

	recordCount := 0
	startTime := time.Now()

	enc := json.NewEncoder(os.Stdout)

consume:
	for {
		select {
		case <-ctx.Done():
			break consume
		case ev, ok := <-kc.Records():
			if !ok {
				break consume
			}
			handleEvent(ctx, ev, enc, &recordCount, startTime)
		}
	}

	log.Println("========================================")
	log.Printf("consumer stopped: records=%d elapsed=%.2fs", recordCount, time.Since(startTime).Seconds())
	log.Println("========================================")
	kc.Stop()
	return nil
}

func handleEvent(ctx context.Context, ev kinesissub.Event, enc *json.Encoder, recordCount *int, startTime time.Time) {
	switch ev.Kind {
	case kinesissub.KindRecords:
		for _, rec := range ev.Records {
			*recordCount++
			if err := enc.Encode(rec); err != nil {
				log.Printf("[%s] failed to encode record: %v", ev.ShardID, err)
			}
			if *recordCount%100 == 0 {
				elapsed := time.Since(startTime).Seconds()
				log.Printf("[%s] record #%d, rate=%.2f rec/s, sequenceNumber=%s",
					ev.ShardID, *recordCount, float64(*recordCount)/elapsed, rec.SequenceNumber)
			}
		}
		if ev.Checkpointer != nil && len(ev.Records) > 0 {
			last := ev.Records[len(ev.Records)-1]
			if err := ev.Checkpointer.SetCheckpoint(ctx, last.SequenceNumber); err != nil {
				log.Printf("[%s] failed to checkpoint: %v", ev.ShardID, err)
			}
		}
		if ev.Continuer != nil {
			ev.Continuer.ContinuePolling()
		}
	case kinesissub.KindError:
		log.Printf("error: %v", ev.Err)
	case kinesissub.KindStats:
		log.Printf("stats: leasesHeld=%d recordsEmitted=%d recordsWritten=%d retries=%d",
			ev.Stats.LeasesHeld, ev.Stats.RecordsEmitted, ev.Stats.RecordsWritten, ev.Stats.Retries)
	}
}
