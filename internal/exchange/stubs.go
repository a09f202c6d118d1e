package exchange

import (
	"context"
	"fmt"

	"dcabot/internal/market"
)

// stub is a placeholder adapter for venues that appear in the exchange
// selector but have no API integration yet. Every call fails with
// ErrNotImplemented so a misconfigured pair surfaces immediately.
type stub struct {
	name string
}

// NewBybit returns the Bybit placeholder adapter.
func NewBybit() Exchange { return &stub{name: "Bybit"} }

// NewMEXC returns the MEXC placeholder adapter.
func NewMEXC() Exchange { return &stub{name: "MEXC"} }

// NewHTX returns the HTX placeholder adapter.
func NewHTX() Exchange { return &stub{name: "HTX"} }

func (s *stub) Name() string { return s.name }

func (s *stub) err() error {
	return fmt.Errorf("%s: %w", s.name, ErrNotImplemented)
}

func (s *stub) Klines(context.Context, string, string, int64, int64, int) ([]market.Bar, error) {
	return nil, s.err()
}

func (s *stub) TickerPrice(context.Context, string, bool) (float64, error) {
	return 0, s.err()
}

func (s *stub) MarkPrice(context.Context, string) (float64, error) {
	return 0, s.err()
}

func (s *stub) Balance(context.Context, string, bool) (float64, error) {
	return 0, s.err()
}

func (s *stub) PlaceOrder(context.Context, PlaceOrderParams) (*Order, error) {
	return nil, s.err()
}

func (s *stub) OrderStatus(context.Context, string, int64, bool) (*Order, error) {
	return nil, s.err()
}

func (s *stub) CancelOrder(context.Context, string, int64, bool) error {
	return s.err()
}

func (s *stub) CancelAllOrders(context.Context, string, bool) error {
	return s.err()
}

func (s *stub) OpenOrders(context.Context, string, bool) ([]Order, error) {
	return nil, s.err()
}

func (s *stub) PositionRisk(context.Context, string) (*Position, error) {
	return nil, s.err()
}

func (s *stub) SetLeverage(context.Context, string, int) error {
	return s.err()
}

func (s *stub) SetMarginMode(context.Context, string, string) error {
	return s.err()
}
