package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/vcfbot/kit"
)

const (
	// laneBuffer is how many messages of one sender may queue behind the one
	// being handled.
	laneBuffer = 16
	// DefaultLaneIdle is how long a sender lane stays up without traffic.
	DefaultLaneIdle = 5 * time.Minute
)

// channelEntry holds a running channel and its config fingerprint.
type channelEntry struct {
	channel     Channel
	cancel      context.CancelFunc
	wg          sync.WaitGroup // tracks the dispatch goroutine
	platform    string
	fingerprint string
}

// Dispatcher manages the active channels and routes their inbound messages
// to the InboundHandler.
//
// Messages of one sender are handled strictly in arrival order, one at a
// time, because the handler keeps a per-user conversation state. Different
// senders are handled concurrently, bounded by WithMaxConcurrent.
type Dispatcher struct {
	mu        sync.RWMutex
	channels  map[string]*channelEntry
	factories map[string]ChannelFactory
	handler   InboundHandler
	logger    *slog.Logger

	// lifecycleCtx parents every channel listen context, so channels outlive
	// the ctx passed to a single Reload.
	lifecycleCtx    context.Context
	lifecycleCancel context.CancelFunc

	// sem limits concurrent InboundHandler calls when non-nil.
	sem chan struct{}

	laneIdle    time.Duration
	activeLanes atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets a custom logger for the dispatcher.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMaxConcurrent caps concurrent InboundHandler calls across all channels
// and senders. Zero or negative means unlimited (default).
func WithMaxConcurrent(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithLaneIdle sets how long a sender lane may sit idle before its goroutine
// exits. Zero or negative keeps DefaultLaneIdle.
func WithLaneIdle(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.laneIdle = d
		}
	}
}

// NewDispatcher creates a Dispatcher with the given inbound handler.
// Register platform factories before calling Watch.
func NewDispatcher(handler InboundHandler, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		channels:        make(map[string]*channelEntry),
		factories:       make(map[string]ChannelFactory),
		handler:         handler,
		logger:          slog.Default(),
		laneIdle:        DefaultLaneIdle,
		lifecycleCtx:    ctx,
		lifecycleCancel: cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RegisterPlatform registers a ChannelFactory for a platform name.
func (d *Dispatcher) RegisterPlatform(platform string, f ChannelFactory) {
	d.mu.Lock()
	d.factories[platform] = f
	d.mu.Unlock()
}

// Send sends an outbound message through the named channel, outside of any
// inbound exchange (e.g. a notification to the owner).
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	d.mu.RLock()
	entry, ok := d.channels[msg.ChannelName]
	d.mu.RUnlock()

	if !ok {
		return &ErrChannelNotFound{Channel: msg.ChannelName}
	}
	msg.Direction = Outbound
	return entry.channel.Send(ctx, msg)
}

// Status returns the ChannelStatus for a named channel.
// Returns ok=false if the channel is not active.
func (d *Dispatcher) Status(name string) (ChannelStatus, bool) {
	d.mu.RLock()
	entry, ok := d.channels[name]
	d.mu.RUnlock()

	if !ok {
		return ChannelStatus{}, false
	}
	return entry.channel.Status(), true
}

// channelRow is an internal representation of a row in the channels table.
type channelRow struct {
	Name      string
	Platform  string
	Enabled   bool
	Config    json.RawMessage
	AuthState json.RawMessage
}

// fingerprint changes when the channel must be restarted. auth_state is
// excluded: it is written by running channels and must not restart them.
func (cr channelRow) fingerprint() string {
	return cr.Platform + "|" + string(cr.Config)
}

// Reload reads the channels table and reconciles the active channel set.
// New enabled channels are started, removed or disabled channels are closed,
// and channels with changed config are restarted.
func (d *Dispatcher) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT name, platform, enabled, COALESCE(config, '{}'), COALESCE(auth_state, '{}') FROM channels`)
	if err != nil {
		return fmt.Errorf("channels: query channels: %w", err)
	}
	defer rows.Close()

	desired := make(map[string]channelRow)
	for rows.Next() {
		var cr channelRow
		var cfgStr, authStr string
		var enabled int
		if err := rows.Scan(&cr.Name, &cr.Platform, &enabled, &cfgStr, &authStr); err != nil {
			return fmt.Errorf("channels: scan channel: %w", err)
		}
		cr.Enabled = enabled == 1
		cr.Config = json.RawMessage(cfgStr)
		cr.AuthState = json.RawMessage(authStr)
		desired[cr.Name] = cr
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("channels: rows: %w", err)
	}

	// Stale entries leave the map under the lock but are closed outside it:
	// closing waits for in-flight handlers, which may call Send.
	d.mu.Lock()
	stale := make(map[string]*channelEntry)
	for name, entry := range d.channels {
		cr, exists := desired[name]
		if !exists || !cr.Enabled || cr.fingerprint() != entry.fingerprint {
			stale[name] = entry
			delete(d.channels, name)
		}
	}
	d.mu.Unlock()
	for name, entry := range stale {
		d.closeEntry(name, entry)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, cr := range desired {
		if !cr.Enabled {
			continue
		}
		if _, active := d.channels[name]; active {
			continue
		}

		factory, ok := d.factories[cr.Platform]
		if !ok {
			d.logger.Warn("channels: skipping channel",
				"error", &ErrNoPlatformFactory{Channel: name, Platform: cr.Platform})
			continue
		}

		ch, err := factory(name, cr.Config)
		if err != nil {
			d.logger.Error("channels: factory failed",
				"channel", name, "platform", cr.Platform, "error", err)
			continue
		}

		listenCtx, cancel := context.WithCancel(d.lifecycleCtx)
		entry := &channelEntry{
			channel:     ch,
			cancel:      cancel,
			platform:    cr.Platform,
			fingerprint: cr.fingerprint(),
		}
		d.channels[name] = entry

		entry.wg.Add(1)
		go d.dispatch(listenCtx, name, cr.Platform, ch, &entry.wg)

		d.logger.Info("channels: started", "channel", name, "platform", cr.Platform)
	}

	d.logger.Info("channels: reloaded",
		"active", len(d.channels),
		"configured", len(desired))

	return nil
}

// lane serializes the messages of one sender. pending counts messages
// committed to ch but not yet received, guarded by the dispatch mutex.
type lane struct {
	ch      chan Message
	pending int
}

// dispatch fans a channel's inbound messages out to one lane per sender and
// waits for every lane to drain before returning. A lane idle for laneIdle
// removes itself.
func (d *Dispatcher) dispatch(ctx context.Context, name, platform string, ch Channel, wg *sync.WaitGroup) {
	defer wg.Done()

	var (
		mu      sync.Mutex
		lanes   = make(map[string]*lane)
		lanesWG sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for sender, l := range lanes {
			close(l.ch)
			delete(lanes, sender)
		}
		mu.Unlock()
		lanesWG.Wait()
	}()

	run := func(sender string, l *lane) {
		defer lanesWG.Done()
		defer d.activeLanes.Add(-1)
		idle := time.NewTimer(d.laneIdle)
		defer idle.Stop()
		for {
			select {
			case m, ok := <-l.ch:
				if !ok {
					return
				}
				mu.Lock()
				l.pending--
				mu.Unlock()
				d.handle(ctx, name, platform, ch, m)
				idle.Reset(d.laneIdle)
			case <-idle.C:
				mu.Lock()
				if l.pending == 0 {
					delete(lanes, sender)
					mu.Unlock()
					return
				}
				mu.Unlock()
				idle.Reset(d.laneIdle)
			}
		}
	}

	msgs := ch.Listen(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				d.logger.Info("channels: listen closed", "channel", name)
				return
			}
			mu.Lock()
			l, exists := lanes[msg.SenderID]
			if !exists {
				l = &lane{ch: make(chan Message, laneBuffer)}
				lanes[msg.SenderID] = l
				lanesWG.Add(1)
				d.activeLanes.Add(1)
				go run(msg.SenderID, l)
			}
			l.pending++
			mu.Unlock()
			select {
			case l.ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handle runs the InboundHandler for one message and sends its replies.
func (d *Dispatcher) handle(ctx context.Context, name, platform string, ch Channel, msg Message) {
	if ctx.Err() != nil {
		return
	}
	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			return
		}
	}

	hctx := kit.WithTransport(ctx, platform)
	hctx = kit.WithUserID(hctx, msg.SenderID)
	hctx = kit.WithChatID(hctx, msg.ChatID)
	if msg.Username != "" {
		hctx = kit.WithHandle(hctx, msg.Username)
	}

	responses, err := d.handler(hctx, msg)
	if err != nil {
		d.logger.Error("channels: inbound handler failed",
			"channel", name, "user", msg.SenderID, "error", err)
		return
	}

	for _, resp := range responses {
		resp.ChannelName = name
		resp.Platform = platform
		resp.Direction = Outbound
		if resp.RecipientID == "" {
			resp.RecipientID = msg.ChatID
		}
		// Replies inherit the routing metadata of the request (e.g. a
		// webhook callback_url) unless they set their own.
		for k, v := range msg.Metadata {
			if _, set := resp.Metadata[k]; !set {
				if resp.Metadata == nil {
					resp.Metadata = make(map[string]string, len(msg.Metadata))
				}
				resp.Metadata[k] = v
			}
		}
		if err := ch.Send(ctx, resp); err != nil {
			d.logger.Error("channels: send response failed",
				"channel", name, "recipient", resp.RecipientID, "error", err)
		}
	}
}

// closeEntry shuts down a channel entry and waits for its dispatch goroutine
// to exit.
func (d *Dispatcher) closeEntry(name string, entry *channelEntry) {
	entry.cancel()
	if err := entry.channel.Close(); err != nil {
		d.logger.Error("channels: close failed",
			"channel", name, "platform", entry.platform, "error", err)
	} else {
		d.logger.Info("channels: stopped",
			"channel", name, "platform", entry.platform)
	}
	entry.wg.Wait()
}

// Close shuts down all active channels and cancels the lifecycle context.
func (d *Dispatcher) Close() error {
	d.lifecycleCancel()
	d.mu.Lock()
	active := d.channels
	d.channels = make(map[string]*channelEntry)
	d.mu.Unlock()
	for name, entry := range active {
		d.closeEntry(name, entry)
	}
	return nil
}
