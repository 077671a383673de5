package shopify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ILLUVRSE/imagerotation/internal/media"
)

// Provider hands out one client per shop, built from the configured access tokens.
type Provider struct {
	base   Config
	tokens map[string]string

	mu      sync.Mutex
	clients map[string]*Client
}

// NewProvider uses base for every shop, filling in Shop and Token per request.
func NewProvider(base Config, tokens map[string]string) *Provider {
	normalized := make(map[string]string, len(tokens))
	for shop, token := range tokens {
		normalized[strings.ToLower(shop)] = token
	}
	return &Provider{base: base, tokens: normalized, clients: map[string]*Client{}}
}

func (p *Provider) ClientFor(ctx context.Context, shop string) (media.Client, error) {
	shop = strings.ToLower(strings.TrimSpace(shop))
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[shop]; ok {
		return c, nil
	}
	token, ok := p.tokens[shop]
	if !ok {
		return nil, fmt.Errorf("%w: no access token for shop %s", media.ErrRejected, shop)
	}
	cfg := p.base
	cfg.Shop = shop
	cfg.Token = token
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	p.clients[shop] = c
	return c, nil
}
