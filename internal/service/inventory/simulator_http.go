package inventory

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

type upsertProductRequest struct {
	SKU           string `json:"sku"`
	Price         int64  `json:"price"`
	StockQuantity int    `json:"stockQuantity"`
	IsActive      bool   `json:"isActive"`
}

// RegisterRoutes публикует HTTP-контракт склада поверх симулятора.
func RegisterRoutes(router fiber.Router, sim *Simulator) {
	router.Get("/products/:id", func(c *fiber.Ctx) error {
		product, err := sim.Product(c.Params("id"))
		if errors.Is(err, domain.ErrProductNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(productResponse{
			ID:            product.ProductID,
			SKU:           product.SKU,
			Price:         product.PriceMinor,
			StockQuantity: product.StockQuantity,
			IsActive:      product.IsActive,
		})
	})

	router.Put("/products/:id", func(c *fiber.Ctx) error {
		var req upsertProductRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
		}
		if req.StockQuantity < 0 || req.Price < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "stock and price must be non-negative"})
		}
		sim.Upsert(Product{
			ID:         c.Params("id"),
			SKU:        req.SKU,
			PriceMinor: req.Price,
			Stock:      req.StockQuantity,
			Active:     req.IsActive,
		})
		return c.SendStatus(fiber.StatusNoContent)
	})

	router.Post("/products/:id/reserve", func(c *fiber.Ctx) error {
		req, ok := parseQuantity(c)
		if !ok {
			return nil
		}
		accepted, remaining, err := sim.Reserve(c.UserContext(), req.OrderID, c.Params("id"), req.Quantity)
		switch {
		case errors.Is(err, domain.ErrProductNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(reserveResponse{Success: accepted, RemainingStock: remaining})
	})

	router.Post("/products/:id/release", func(c *fiber.Ctx) error {
		req, ok := parseQuantity(c)
		if !ok {
			return nil
		}
		if err := sim.Release(c.UserContext(), req.OrderID, c.Params("id"), req.Quantity); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.SendStatus(fiber.StatusOK)
	})
}

// NewSimulatorApp собирает fiber-приложение склада.
func NewSimulatorApp(sim *Simulator) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	RegisterRoutes(app, sim)
	return app
}

func parseQuantity(c *fiber.Ctx) (quantityRequest, bool) {
	var req quantityRequest
	if err := c.BodyParser(&req); err != nil || req.Quantity <= 0 {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "quantity must be greater than zero"})
		return quantityRequest{}, false
	}
	return req, true
}
