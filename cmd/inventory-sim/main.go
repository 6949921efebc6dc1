package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/service/inventory"
)

const shutdownTimeout = 5 * time.Second

// config описывает параметры локального склада.
type config struct {
	Addr       string `env:"INVENTORY_SIM_ADDR" env-default:":8081"`
	Products   string `env:"INVENTORY_SIM_PRODUCTS" env-default:"p-1:100,p-2:50,p-3:0"`
	PriceMinor int64  `env:"INVENTORY_SIM_PRICE_MINOR" env-default:"1000"`
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	var cfg config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.WithError(err).Fatal("failed to read config")
	}
	products, err := parseProducts(cfg.Products, cfg.PriceMinor)
	if err != nil {
		log.WithError(err).Fatal("invalid product seed")
	}

	sim := inventory.NewSimulator()
	for _, p := range products {
		sim.Upsert(p)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.WithError(err).Fatal("failed to listen")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithField("component", "inventory-sim")
	logger.WithFields(log.Fields{"addr": ln.Addr().String(), "products": len(products)}).Info("inventory simulator started")
	if err := serve(ctx, ln, sim, logger); err != nil {
		logger.WithError(err).Error("inventory simulator stopped with error")
		os.Exit(1)
	}
}

// serve обслуживает HTTP-контракт склада до отмены ctx.
func serve(ctx context.Context, ln net.Listener, sim *inventory.Simulator, logger *log.Entry) error {
	app := inventory.NewSimulatorApp(sim)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Listener(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down inventory simulator")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// parseProducts разбирает "id:stock[,id:stock...]".
func parseProducts(raw string, priceMinor int64) ([]inventory.Product, error) {
	if priceMinor < 0 {
		return nil, fmt.Errorf("price must be non-negative: %d", priceMinor)
	}
	var products []inventory.Product
	for _, chunk := range strings.Split(raw, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		id, stockRaw, ok := strings.Cut(chunk, ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("product %q: expected id:stock", chunk)
		}
		stock, err := strconv.Atoi(strings.TrimSpace(stockRaw))
		if err != nil || stock < 0 {
			return nil, fmt.Errorf("product %q: stock must be a non-negative integer", chunk)
		}
		products = append(products, inventory.Product{
			ID:         id,
			SKU:        "SKU-" + strings.ToUpper(id),
			PriceMinor: priceMinor,
			Stock:      stock,
			Active:     true,
		})
	}
	if len(products) == 0 {
		return nil, errors.New("at least one product is required")
	}
	return products, nil
}
