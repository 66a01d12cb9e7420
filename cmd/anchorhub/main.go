// Command anchorhub is the settlement operator entry point. It loads
// configuration, validates it, wires dependencies, sets up signal
// handling, and runs the round/quarter state machine.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/anchorhub/internal/app"
	s3blob "github.com/alanyoungcy/anchorhub/internal/blob/s3"
	"github.com/alanyoungcy/anchorhub/internal/config"
	"github.com/alanyoungcy/anchorhub/internal/domain"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	fetchProof := flag.String("fetch-proof", "", "fetch an archived solvency proof as round:asset:wallet, print it, and exit")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *fetchProof != "" {
		if err := runFetchProof(context.Background(), cfg, *fetchProof); err != nil {
			logger.Error("fetch proof failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	logger.Info("anchorhub starting", slog.String("config", *configPath))

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			logger.Info("shut down gracefully")
		case errors.Is(err, domain.ErrHalted):
			// The halted state is the protocol's designed fail-safe, not
			// a crash; exit cleanly after reporting it.
			logger.Error("anchor contract halted, settlement stopped")
		default:
			logger.Error("exited with error", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("anchorhub stopped")
}

// runFetchProof is the support path for clients that missed a round's
// commit window: it pulls the wallet's archived inclusion proof out of
// object storage and prints it as JSON.
func runFetchProof(ctx context.Context, cfg *config.Config, spec string) error {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return fmt.Errorf("expected round:asset:wallet, got %q", spec)
	}
	round, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("round %q: %w", parts[0], err)
	}
	if cfg.S3.Bucket == "" {
		return errors.New("s3 archive is not configured")
	}

	client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	fetcher := s3blob.NewProofFetcher(s3blob.NewReader(client))
	p, err := fetcher.FetchProof(ctx, common.HexToAddress(parts[1]), round, common.HexToAddress(parts[2]))
	if err != nil {
		return err
	}

	siblings := make([]string, len(p.Liabilities.Siblings))
	for i, s := range p.Liabilities.Siblings {
		siblings[i] = hex.EncodeToString(s[:])
	}
	out := struct {
		Asset          string   `json:"asset"`
		Round          uint64   `json:"round"`
		Wallet         string   `json:"wallet"`
		OpeningBalance string   `json:"opening_balance"`
		Root           string   `json:"root"`
		Index          int      `json:"index"`
		Siblings       []string `json:"siblings"`
		Verified       bool     `json:"verified"`
	}{
		Asset:          p.Asset.Hex(),
		Round:          p.Round,
		Wallet:         p.Wallet.Hex(),
		OpeningBalance: p.OpeningBalance.String(),
		Root:           hex.EncodeToString(p.Root[:]),
		Index:          p.Liabilities.Index,
		Siblings:       siblings,
		Verified:       p.Verify(),
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}
