// Package binance implements the engine's exchange port on Binance USDⓈ-M
// futures via go-binance.
package binance

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"tradeloop/internal/logger"

	"github.com/adshao/go-binance/v2/futures"
)

type Exchange struct {
	cfg    Config
	client *futures.Client
	log    logger.Component

	// symbol -> leverage already pushed to the exchange
	levMu    sync.Mutex
	leverage map[string]int
}

func New(cfg Config) (*Exchange, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.SecretKey)
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Exchange{
		cfg:      final,
		client:   client,
		log:      logger.With("binance"),
		leverage: make(map[string]int),
	}, nil
}

func (e *Exchange) ready() error {
	if e == nil || e.client == nil {
		return fmt.Errorf("binance exchange not initialized")
	}
	return nil
}
