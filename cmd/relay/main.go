package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/cmd/relay/internal/gateway"
	"github.com/poscalfx/price-relay/cmd/relay/internal/hub"
	"github.com/poscalfx/price-relay/cmd/relay/internal/upstream"
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

	source, table, err := newSource(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to set up upstream", zap.Error(err))
	}

	connector := upstream.NewConnector(source, table, upstream.Options{
		ConnectTimeout:  cfg.Upstream.ConnectTimeout,
		MaxRetryElapsed: cfg.Upstream.MaxRetryElapsed,
	}, logger)

	fanout, err := hub.FanoutByName(cfg.App.Fanout)
	if err != nil {
		logger.Fatal("Invalid fanout", zap.Error(err))
	}

	// Dependency Injection: Hub depends on the connector through its Upstream interface
	wsHub := hub.NewHub(connector, fanout, logger)

	srv := gateway.NewServer(cfg.App.Port, wsHub, connector, gateway.ClientOptions{
		AuthToken:   cfg.App.AuthToken,
		AuthTimeout: cfg.App.AuthTimeout,
		SendBuffer:  cfg.App.SendBuffer,
	}, logger)

	logger.Info("Relay configured",
		zap.String("upstream", source.Name()),
		zap.Int("symbols", len(table)),
		zap.String("fanout", cfg.App.Fanout),
		zap.Bool("auth", cfg.App.AuthToken != ""))

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	// Errors are logged per step; exit stays clean.
	_ = srv.Shutdown(ctx)
}

// newSource builds the configured upstream and the symbols it can serve.
func newSource(cfg *config.Config, logger *zap.Logger) (upstream.Source, upstream.SymbolTable, error) {
	var file upstream.SymbolTable
	if cfg.Upstream.SymbolsFile != "" {
		t, err := upstream.LoadSymbolTable(cfg.Upstream.SymbolsFile)
		if err != nil {
			return nil, nil, err
		}
		file = t
	}

	switch cfg.Upstream.Kind {
	case "binance":
		table := upstream.BinanceSymbols
		if file != nil {
			table = file
		}
		return upstream.NewBinanceSource(cfg.Upstream.BaseURL, cfg.Upstream.APIKey), table, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis not reachable yet, feeds will retry", zap.Error(err))
		}
		return upstream.NewRedisSource(rdb), upstream.PrefixedTable(upstream.ChannelPrefix, feedSymbols(cfg, file)), nil

	case "postgres":
		listener := upstream.NewPostgresListener(cfg.Postgres.DSN, logger)
		prefix := cfg.Postgres.Channel + "."
		return upstream.NewPostgresSource(listener, logger), upstream.PrefixedTable(prefix, feedSymbols(cfg, file)), nil

	default:
		return nil, nil, fmt.Errorf("unknown upstream kind %q", cfg.Upstream.Kind)
	}
}

// feedSymbols picks the symbols for channel-per-symbol feeds: the symbols file if given,
// otherwise the generator's list, otherwise the vendor defaults.
func feedSymbols(cfg *config.Config, file upstream.SymbolTable) []string {
	switch {
	case file != nil:
		return file.Symbols()
	case len(cfg.Generator.Symbols) > 0:
		return cfg.Generator.Symbols
	default:
		return upstream.BinanceSymbols.Symbols()
	}
}
