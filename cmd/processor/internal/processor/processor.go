package processor

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/pkg/config"
	"github.com/poscalfx/price-relay/pkg/models"
)

// Processor turns price_cache change rows from Kafka into the Redis snapshot + publish
// pair the relay's redis feed consumes.
type Processor struct {
	cfg        *config.Config
	logger     Logger
	rdb        RedisClient
	reader     KafkaReader
	numWorkers int
	ttl        time.Duration
}

func NewProcessor(cfg *config.Config, logger Logger, rdb RedisClient, reader KafkaReader) *Processor {
	numWorkers := cfg.Processor.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Processor{
		cfg:        cfg,
		logger:     logger,
		rdb:        rdb,
		reader:     reader,
		numWorkers: numWorkers,
		ttl:        cfg.Processor.SnapshotTTL,
	}
}

func (p *Processor) Run(ctx context.Context) error {
	workerChans := make([]chan []byte, p.numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < p.numWorkers; i++ {
		workerChans[i] = make(chan []byte, 100)
		wg.Add(1)
		go p.worker(i, workerChans[i], &wg)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.logger.Info("Processor Started", zap.Int("workers", p.numWorkers))
		for {
			m, err := p.reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				p.logger.Error("Kafka Read Error", zap.Error(err))
				if ctx.Err() != nil {
					return
				}
				continue
			}

			// Deterministic Sharding: Same symbol always goes to same worker
			workerID := getWorkerID(m.Key, p.numWorkers)

			select {
			case workerChans[workerID] <- m.Value:
			case <-ctx.Done():
				return
			default:
				// Only the latest quote matters; a newer row will follow.
				p.logger.Warn("Dropping slow packet", zap.String("key", string(m.Key)), zap.Int("worker_id", workerID))
			}
		}
	}()

	<-ctx.Done()
	p.logger.Info("Shutdown signal received, stopping processor...")
	<-readerDone

	for _, ch := range workerChans {
		close(ch)
	}
	p.logger.Info("Waiting for workers to drain...")
	wg.Wait()

	return nil
}

func (p *Processor) worker(id int, msgs <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	ctx := context.Background()

	// Latest row per symbol; only correct because of deterministic sharding.
	latest := make(map[string]models.PriceSnapshot)

	for payload := range msgs {
		var snap models.PriceSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			p.logger.Error("JSON Unmarshal Error", zap.Error(err))
			continue
		}
		if snap.Symbol == "" {
			p.logger.Warn("Skipping row without symbol")
			continue
		}

		if prev, ok := latest[snap.Symbol]; ok && !prev.OlderThan(snap) {
			p.logger.Debug("Skipping stale update", zap.String("symbol", snap.Symbol), zap.Int64("seq_id", snap.SeqID), zap.Time("ts", snap.Timestamp))
			continue
		}

		if snap.Mid == 0 && snap.Bid > 0 && snap.Ask > 0 {
			snap.Mid = decimal.NewFromFloat(snap.Bid).Add(decimal.NewFromFloat(snap.Ask)).Div(decimal.NewFromInt(2)).InexactFloat64()
			b, err := json.Marshal(snap)
			if err != nil {
				p.logger.Error("JSON Marshal Error", zap.Error(err))
				continue
			}
			payload = b
		}

		// Atomic Update via Pipeline
		pipe := p.rdb.Pipeline()
		pipe.Set(ctx, models.SnapshotKey(snap.Symbol), payload, p.ttl)
		pipe.Publish(ctx, models.UpdateChannel(snap.Symbol), payload)

		_, err := pipe.Exec(ctx)
		if err != nil {
			p.logger.Error("Redis Pipeline Error", zap.Error(err), zap.String("symbol", snap.Symbol))
		} else {
			p.logger.Debug("Processed", zap.String("symbol", snap.Symbol), zap.Int("worker_id", id))
			latest[snap.Symbol] = snap
		}
	}
}

func getWorkerID(key []byte, numWorkers int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numWorkers))
}
