// Package masterdata keeps the broker's instrument master in memory for
// symbol search and token-to-symbol resolution.
package masterdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tradebridge/internal/observability"
)

const (
	defaultTimeout = 60 * time.Second
	defaultMaxAge  = 12 * time.Hour
	defaultLimit   = 20
	maxLimit       = 100
)

var ErrNotLoaded = errors.New("instrument master not loaded")

type Instrument struct {
	Token          string  `json:"token"`
	Symbol         string  `json:"symbol"`
	Name           string  `json:"name"`
	Expiry         string  `json:"expiry"`
	Strike         float64 `json:"strike"`
	LotSize        int     `json:"lotsize"`
	InstrumentType string  `json:"instrumenttype"`
	Exchange       string  `json:"exchange"`
	TickSize       float64 `json:"tick_size"`
}

// rawInstrument mirrors the download, where every field is a string.
type rawInstrument struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

type Config struct {
	URL     string
	Timeout time.Duration
	MaxAge  time.Duration
}

type Catalog struct {
	url        string
	timeout    time.Duration
	maxAge     time.Duration
	httpClient *http.Client
	logger     *observability.Logger
	now        func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	items    []Instrument
	byToken  map[string]Instrument
	loadedAt time.Time
}

func NewCatalog(cfg Config, logger *observability.Logger) *Catalog {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &Catalog{
		url:        strings.TrimSpace(cfg.URL),
		timeout:    cfg.Timeout,
		maxAge:     cfg.MaxAge,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		now:        time.Now,
		byToken:    map[string]Instrument{},
	}
}

func (c *Catalog) WithClock(now func() time.Time) *Catalog {
	c.now = now
	return c
}

// Fresh reports whether the catalog was loaded within MaxAge.
func (c *Catalog) Fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.loadedAt.IsZero() && c.now().Sub(c.loadedAt) < c.maxAge
}

func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// TriggerRefresh starts a background refresh and returns immediately.
// Failures are logged and never reach the caller.
func (c *Catalog) TriggerRefresh() {
	if c.url == "" || c.Fresh() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.logger.Report("master_data_refresh_failed", map[string]any{"error": err})
		}
	}()
}

// Refresh downloads the master unless it is still fresh. Concurrent calls
// share one download.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		if c.Fresh() {
			return nil, nil
		}
		started := c.now()
		items, err := c.download(ctx)
		if err != nil {
			return nil, err
		}
		c.replace(items)
		c.logger.Info("master_data_refreshed", map[string]any{
			"instruments": len(items),
			"duration_ms": c.now().Sub(started).Milliseconds(),
		})
		return nil, nil
	})
	return err
}

func (c *Catalog) download(ctx context.Context) ([]Instrument, error) {
	if c.url == "" {
		return nil, errors.New("master data url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build master data request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("master data request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master data download failed with status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("decode master data: %w", err)
	}
	items := make([]Instrument, 0, 1024)
	for dec.More() {
		var raw rawInstrument
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode master data: %w", err)
		}
		if raw.Token == "" || raw.Symbol == "" {
			continue
		}
		items = append(items, raw.instrument())
	}
	return items, nil
}

func (r rawInstrument) instrument() Instrument {
	strike, _ := strconv.ParseFloat(strings.TrimSpace(r.Strike), 64)
	lot, _ := strconv.ParseFloat(strings.TrimSpace(r.LotSize), 64)
	tick, _ := strconv.ParseFloat(strings.TrimSpace(r.TickSize), 64)
	return Instrument{
		Token:          strings.TrimSpace(r.Token),
		Symbol:         strings.TrimSpace(r.Symbol),
		Name:           strings.TrimSpace(r.Name),
		Expiry:         strings.TrimSpace(r.Expiry),
		Strike:         strike,
		LotSize:        int(lot),
		InstrumentType: strings.TrimSpace(r.InstrumentType),
		Exchange:       strings.ToUpper(strings.TrimSpace(r.ExchSeg)),
		TickSize:       tick,
	}
}

func (c *Catalog) replace(items []Instrument) {
	byToken := make(map[string]Instrument, len(items))
	for _, it := range items {
		byToken[tokenKey(it.Token, it.Exchange)] = it
	}

	c.mu.Lock()
	c.items = items
	c.byToken = byToken
	c.loadedAt = c.now()
	c.mu.Unlock()
}

// Symbol resolves a broker instrument token on an exchange.
func (c *Catalog) Symbol(token, exchange string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.byToken[tokenKey(token, exchange)]
	if !ok {
		return "", false
	}
	return it.Symbol, true
}

// Search returns exact symbol matches (case-insensitive) and falls back to
// substring matches on symbol or name when there are none.
func (c *Catalog) Search(query, exchange string, limit int) ([]Instrument, error) {
	query = strings.ToUpper(strings.TrimSpace(query))
	exchange = strings.ToUpper(strings.TrimSpace(exchange))
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.loadedAt.IsZero() {
		return nil, ErrNotLoaded
	}
	if query == "" {
		return []Instrument{}, nil
	}

	exact := c.match(exchange, func(it Instrument) bool {
		return strings.EqualFold(it.Symbol, query)
	})
	if len(exact) > 0 {
		return truncate(exact, limit), nil
	}

	partial := c.match(exchange, func(it Instrument) bool {
		return strings.Contains(strings.ToUpper(it.Symbol), query) ||
			strings.Contains(strings.ToUpper(it.Name), query)
	})
	sort.SliceStable(partial, func(i, j int) bool {
		return len(partial[i].Symbol) < len(partial[j].Symbol)
	})
	return truncate(partial, limit), nil
}

func (c *Catalog) match(exchange string, keep func(Instrument) bool) []Instrument {
	var out []Instrument
	for _, it := range c.items {
		if exchange != "" && it.Exchange != exchange {
			continue
		}
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

func truncate(items []Instrument, limit int) []Instrument {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func tokenKey(token, exchange string) string {
	return strings.ToUpper(strings.TrimSpace(exchange)) + "|" + strings.TrimSpace(token)
}
