package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ModelRate holds per-token prices in micro-USD for one model.
type ModelRate struct {
	InputPerToken  float64 `json:"input_per_token_micro_usd"`
	OutputPerToken float64 `json:"output_per_token_micro_usd"`
}

// PricingTable maps model identifiers to their rates. The table is versioned
// so that audit rows can be correlated with the prices in effect at call time.
type PricingTable struct {
	Version string               `json:"version"`
	Models  map[string]ModelRate `json:"models"`
}

// CostMicroUSD computes the cost of one call, rounded up to a whole micro-USD.
func (t *PricingTable) CostMicroUSD(model string, tokensIn, tokensOut int) (int64, bool) {
	rate, ok := t.Models[model]
	if !ok {
		return 0, false
	}
	cost := rate.InputPerToken*float64(tokensIn) + rate.OutputPerToken*float64(tokensOut)
	micro := int64(cost)
	if cost > float64(micro) {
		micro++
	}
	return micro, true
}

// Pricing serves the current pricing table and reloads it when the backing
// file changes on disk.
type Pricing struct {
	mu    sync.RWMutex
	path  string
	table PricingTable

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadPricing reads the pricing file. A missing file yields an empty table;
// calls against unknown models are then priced at zero and flagged in audit.
func LoadPricing(path string) (*Pricing, error) {
	p := &Pricing{path: path, done: make(chan struct{})}
	if err := p.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		log.Warn().Str("path", path).Msg("Pricing file not found, all external calls priced as unknown")
		p.table = PricingTable{Version: "none", Models: map[string]ModelRate{}}
	}
	return p, nil
}

// Table returns a copy of the current table.
func (p *Pricing) Table() PricingTable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table
}

// Cost computes the cost of a call under the current table.
func (p *Pricing) Cost(model string, tokensIn, tokensOut int) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table.CostMicroUSD(model, tokensIn, tokensOut)
}

func (p *Pricing) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var table PricingTable
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("parse pricing file %q: %w", p.path, err)
	}
	if table.Models == nil {
		table.Models = map[string]ModelRate{}
	}

	p.mu.Lock()
	p.table = table
	p.mu.Unlock()

	log.Info().Str("path", p.path).Str("version", table.Version).Int("models", len(table.Models)).
		Msg("Pricing table loaded")
	return nil
}

// Watch reloads the table when the file changes. Safe to call once; Close
// stops the watcher.
func (p *Pricing) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pricing watcher: %w", err)
	}
	if err := watcher.Add(p.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch pricing file %q: %w", p.path, err)
	}
	p.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := p.reload(); err != nil {
						log.Error().Err(err).Msg("Failed to reload pricing table, keeping previous")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Pricing watcher error")
			case <-p.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the pricing watcher.
func (p *Pricing) Close() {
	close(p.done)
	if p.watcher != nil {
		p.watcher.Close()
	}
}
