package exchange

import (
	"fmt"
	"strings"
)

// Credentials are one venue's API keys.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet"`
}

// New builds the adapter for a venue name as stored in pair configs.
func New(name string, creds Credentials) (Exchange, error) {
	switch strings.ToLower(name) {
	case "", "binance":
		return NewBinance(creds.APIKey, creds.APISecret, creds.Testnet), nil
	case "bybit":
		return NewBybit(), nil
	case "mexc":
		return NewMEXC(), nil
	case "htx":
		return NewHTX(), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
}
