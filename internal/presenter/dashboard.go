package presenter

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stockpilot/realtime/internal/inventory"
	"github.com/stockpilot/realtime/internal/protocol"
	"github.com/stockpilot/realtime/internal/realtime"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	defaultPollInterval   = 30 * time.Second
)

// Refresher pulls the authoritative dashboard over REST.
type Refresher interface {
	Dashboard(ctx context.Context) (inventory.Summary, error)
}

type DashboardOptions struct {
	// PollInterval is the refresh cadence while the channel is offline.
	PollInterval   time.Duration
	RefreshTimeout time.Duration
	Logger         zerolog.Logger
}

// Dashboard keeps the latest stock update and dashboard signal and reconciles
// them against the REST summary. Events only trigger a refresh; the summary
// is the source of truth.
type Dashboard struct {
	refresher Refresher
	opts      DashboardOptions
	log       zerolog.Logger

	mu         sync.RWMutex
	lastUpdate *protocol.StockUpdatePayload
	lastSignal json.RawMessage
	summary    inventory.Summary
	refreshed  time.Time
	refreshErr string

	inflight atomic.Bool
	changes  signal
}

func NewDashboard(r Refresher, opts DashboardOptions) *Dashboard {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	return &Dashboard{
		refresher: r,
		opts:      opts,
		log:       opts.Logger,
		changes:   newSignal(),
	}
}

// Attach registers the dashboard's handlers and returns a function that
// removes them.
func (d *Dashboard) Attach(disp *realtime.Dispatcher) func() {
	offStock := disp.OnStockUpdate(d.HandleStockUpdate)
	offDash := disp.OnDashboardUpdate(d.HandleDashboardUpdate)
	return func() {
		offStock()
		offDash()
	}
}

func (d *Dashboard) HandleStockUpdate(p protocol.StockUpdatePayload) error {
	d.mu.Lock()
	d.lastUpdate = &p
	d.mu.Unlock()
	d.changes.fire()
	d.Refresh()
	return nil
}

func (d *Dashboard) HandleDashboardUpdate(p protocol.DashboardUpdatePayload) error {
	d.mu.Lock()
	d.lastSignal = append(json.RawMessage(nil), p.Raw...)
	d.mu.Unlock()
	d.changes.fire()
	d.Refresh()
	return nil
}

// LastUpdate returns the most recent stock update, if any.
func (d *Dashboard) LastUpdate() (protocol.StockUpdatePayload, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastUpdate == nil {
		return protocol.StockUpdatePayload{}, false
	}
	return *d.lastUpdate, true
}

// LastSignal returns the raw payload of the latest dashboard_update.
func (d *Dashboard) LastSignal() json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSignal
}

// Summary returns the last fetched summary, when it was fetched and the last
// refresh error ("" when the latest refresh succeeded).
func (d *Dashboard) Summary() (inventory.Summary, time.Time, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.summary, d.refreshed, d.refreshErr
}

// Changes fires after any state change.
func (d *Dashboard) Changes() <-chan struct{} { return d.changes.ch }

// Refresh starts a background REST refresh unless one is already running.
// It never blocks the caller, which is usually the dispatcher.
func (d *Dashboard) Refresh() {
	if d.refresher == nil || !d.inflight.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer d.inflight.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.RefreshTimeout)
		defer cancel()
		d.refreshNow(ctx)
	}()
}

func (d *Dashboard) refreshNow(ctx context.Context) {
	sum, err := d.refresher.Dashboard(ctx)

	d.mu.Lock()
	if err != nil {
		d.refreshErr = err.Error()
	} else {
		d.summary = sum
		d.refreshed = time.Now()
		d.refreshErr = ""
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Warn().Err(err).Msg("dashboard refresh failed")
	}
	d.changes.fire()
}

// PollWhileOffline refreshes every PollInterval while online() is false,
// until ctx is done.
func (d *Dashboard) PollWhileOffline(ctx context.Context, online func() bool) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !online() {
				d.Refresh()
			}
		}
	}
}
