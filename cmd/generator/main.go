package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/cmd/generator/internal/generator"
	"github.com/poscalfx/price-relay/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	// Ensure the topic exists before writing
	dialer := &kafka.Dialer{Timeout: 10 * time.Second}
	tc := generator.NewTopicCreator(logger, generator.KafkaDialerFunc(dialer.DialContext), generator.RealClock{}, 4)
	if err := tc.Create(context.Background(), cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
		logger.Warn("Topic setup incomplete", zap.Error(err))
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{}, // same symbol, same partition
		// Optimization: Send batches to reduce network IO
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}

	gen := generator.NewQuoteGenerator(logger, writer, cfg.Generator.Symbols, generator.DefaultBasePrices,
		cfg.Generator.Interval, generator.NewRealRand(), generator.RealClock{})

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		gen.Run(ctx)
	}()

	<-sigChan
	logger.Info("Shutdown signal received")
	cancel()
	<-done

	// Flush buffered messages
	if err := writer.Close(); err != nil {
		logger.Error("Error closing Kafka writer", zap.Error(err))
	} else {
		logger.Info("Kafka writer closed cleanly")
	}
}
