package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ModelPrice holds per-1M-token prices in USD.
type ModelPrice struct {
	Input       float64 `yaml:"input" json:"input"`
	Output      float64 `yaml:"output" json:"output"`
	CacheRead   float64 `yaml:"cache_read" json:"cache_read"`
	CacheCreate float64 `yaml:"cache_create" json:"cache_create"`
}

// PriceTable maps a model id (or model family prefix) to its prices.
type PriceTable map[string]ModelPrice

// DefaultPriceTable returns the built-in Anthropic price list. Entries are
// prefix-matched so dated model ids resolve to their family.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"claude-opus-4":     {Input: 15.0, Output: 75.0, CacheRead: 1.5, CacheCreate: 18.75},
		"claude-sonnet-4":   {Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheCreate: 3.75},
		"claude-3-7-sonnet": {Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheCreate: 3.75},
		"claude-3-5-sonnet": {Input: 3.0, Output: 15.0, CacheRead: 0.3, CacheCreate: 3.75},
		"claude-3-5-haiku":  {Input: 0.8, Output: 4.0, CacheRead: 0.08, CacheCreate: 1.0},
		"claude-haiku-4":    {Input: 1.0, Output: 5.0, CacheRead: 0.1, CacheCreate: 1.25},
	}
}

// PriceFor resolves the price entry for a model id. Exact match wins, then
// the longest prefix match.
func (t PriceTable) PriceFor(model string) (ModelPrice, bool) {
	if p, ok := t[model]; ok {
		return p, true
	}
	var best string
	for prefix := range t {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return t[best], true
}

// CostUSD computes the dollar cost of a request against the table. Unknown
// models cost zero.
func (t PriceTable) CostUSD(model string, inputTokens, outputTokens, cacheRead, cacheCreate int) float64 {
	p, ok := t.PriceFor(model)
	if !ok {
		return 0
	}
	const million = 1_000_000
	return float64(inputTokens)*p.Input/million +
		float64(outputTokens)*p.Output/million +
		float64(cacheRead)*p.CacheRead/million +
		float64(cacheCreate)*p.CacheCreate/million
}

// PricingStore serves the active price table and hot-reloads it from
// pricing.yaml in the config directory when the file changes.
type PricingStore struct {
	mu    sync.RWMutex
	table PriceTable

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPricingStore creates a store seeded with the given table.
func NewPricingStore(table PriceTable) *PricingStore {
	if len(table) == 0 {
		table = DefaultPriceTable()
	}
	return &PricingStore{table: table, done: make(chan struct{})}
}

// Table returns the active price table.
func (ps *PricingStore) Table() PriceTable {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.table
}

// Watch begins watching pricing.yaml under baseDir for changes. Missing file
// is not an error; the built-in table stays active.
func (ps *PricingStore) Watch(baseDir string) error {
	path := filepath.Join(baseDir, "pricing.yaml")
	if _, err := os.Stat(path); err == nil {
		ps.loadFile(path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(baseDir); err != nil {
		watcher.Close()
		return err
	}
	ps.watcher = watcher

	go func() {
		for {
			select {
			case <-ps.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != "pricing.yaml" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					ps.loadFile(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.Warnf("pricing watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (ps *PricingStore) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.Warnf("failed to read pricing file: %v", err)
		return
	}
	var table PriceTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		logrus.Warnf("failed to parse pricing file, keeping previous table: %v", err)
		return
	}
	if len(table) == 0 {
		return
	}
	ps.mu.Lock()
	ps.table = table
	ps.mu.Unlock()
	logrus.Infof("pricing table reloaded: %d models", len(table))
}

// Close stops the watcher.
func (ps *PricingStore) Close() {
	close(ps.done)
	if ps.watcher != nil {
		ps.watcher.Close()
	}
}
