package engine

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/store"
)

// Bot is one strategy instance bound to a single symbol. Identity
// fields are immutable after construction; mutable state is guarded by
// mu. The runner holds a back-reference to the bot for stats updates
// but the manager owns the bot exclusively.
type Bot struct {
	ID       string
	Name     string
	Strategy Strategy
	Symbol   string

	mu                sync.Mutex
	status            Status
	config            Config
	stats             store.Stats
	timeCreated       int64
	timeStarted       *int64
	timeStopped       *int64
	runStartTime      *int64
	initialStartPrice float64

	runner  Runner
	startWG sync.WaitGroup
	st      *store.Store
	bus     *events.Bus
	log     zerolog.Logger
}

// Tag is the clientOrderId prefix identifying this bot's orders on the
// exchange: the first segment of the bot id.
func (b *Bot) Tag() string {
	if i := strings.IndexByte(b.ID, '-'); i > 0 {
		return b.ID[:i]
	}
	return b.ID
}

// Status returns the current lifecycle state.
func (b *Bot) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Config returns a copy of the strategy parameters.
func (b *Bot) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// Stats returns the cumulative counters.
func (b *Bot) Stats() store.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// InitialStartPrice returns the grid anchor price, zero if unset.
func (b *Bot) InitialStartPrice() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialStartPrice
}

// SetInitialStartPrice records the grid anchor on first placement. It
// never overwrites an existing anchor while the bot is alive.
func (b *Bot) SetInitialStartPrice(p float64) {
	b.mu.Lock()
	if b.initialStartPrice == 0 {
		b.initialStartPrice = p
	}
	b.mu.Unlock()
	b.persist()
}

// Start transitions the bot to running and launches the runner. A bot
// that is already running is left alone. timeStarted is only stamped
// when absent so duration survives restarts.
func (b *Bot) Start() {
	b.mu.Lock()
	if b.status == StatusRunning {
		b.mu.Unlock()
		return
	}
	b.status = StatusRunning
	now := nowMs()
	if b.timeStarted == nil {
		b.timeStarted = &now
	}
	b.timeStopped = nil
	start := *b.timeStarted
	b.runStartTime = &start
	runner := b.runner
	b.startWG.Add(1)
	b.mu.Unlock()

	b.persist()
	b.publishLifecycle("started")

	go func() {
		defer b.startWG.Done()
		if err := runner.Start(); err != nil {
			b.log.Error().Err(err).Str("bot_id", b.ID).Msg("runner start failed")
			b.PublishError(err)
		}
	}()
}

// Stop transitions the bot to stopped, records the run duration, and
// waits for the runner to cancel its open orders. Stopping a stopped
// bot is a no-op.
func (b *Bot) Stop() {
	b.mu.Lock()
	if b.status == StatusStopped {
		b.mu.Unlock()
		return
	}
	now := nowMs()
	if b.runStartTime != nil {
		b.stats.LastDurationMs = now - *b.runStartTime
	}
	b.status = StatusStopped
	b.timeStopped = &now
	b.runStartTime = nil
	runner := b.runner
	b.mu.Unlock()

	// The start goroutine may still be placing orders; placements halt
	// once status leaves running. Join it so the cancel sweep in the
	// runner's Stop runs after the last placement.
	b.startWG.Wait()

	// Runner teardown takes its own lock and may call back into the
	// bot, so it runs outside bot.mu.
	if err := runner.Stop(); err != nil {
		b.log.Warn().Err(err).Str("bot_id", b.ID).Msg("runner stop reported error")
	}

	b.persist()
	b.publishLifecycle("stopped")
}

// RunWindowRemaining reports how much of a bounded run is left,
// measured from the original timeStarted so a restart resumes the
// window instead of restarting it. Zero or negative means the window
// already elapsed. Unbounded bots report zero; callers gate on
// DurationMinutes first.
func (b *Bot) RunWindowRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config.DurationMinutes <= 0 || b.timeStarted == nil {
		return 0
	}
	deadline := *b.timeStarted + int64(b.config.DurationMinutes)*60_000
	return time.Duration(deadline-nowMs()) * time.Millisecond
}

// CurrentDurationMs is the live run duration while running, otherwise
// the duration of the last completed run.
func (b *Bot) CurrentDurationMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusRunning && b.runStartTime != nil {
		return nowMs() - *b.runStartTime
	}
	return b.stats.LastDurationMs
}

// ApplyStats adds round and P&L deltas and persists the snapshot.
func (b *Bot) ApplyStats(delta StatsDelta) {
	b.mu.Lock()
	b.stats.CompletedRounds += delta.CompletedRounds
	b.stats.RealizedPnl += delta.RealizedPnl
	b.mu.Unlock()
	b.persist()
}

// PublishError reports a runner failure on the bus without crashing
// anything.
func (b *Bot) PublishError(err error) {
	b.bus.Publish(events.Event{
		Type: events.EventBotError,
		Data: map[string]interface{}{
			"botId":  b.ID,
			"symbol": b.Symbol,
			"error":  err.Error(),
		},
	})
}

func (b *Bot) publishLifecycle(action string) {
	b.bus.Publish(events.Event{
		Type: events.EventBot,
		Data: map[string]interface{}{
			"botId":  b.ID,
			"action": action,
			"status": string(b.Status()),
		},
	})
}

func (b *Bot) snapshotState() store.BotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, _ := json.Marshal(b.config)
	return store.BotState{
		Name:              b.Name,
		Strategy:          string(b.Strategy),
		Symbol:            b.Symbol,
		Status:            string(b.status),
		Config:            raw,
		Stats:             b.stats,
		TimeCreated:       b.timeCreated,
		TimeStarted:       b.timeStarted,
		TimeStopped:       b.timeStopped,
		InitialStartPrice: b.initialStartPrice,
	}
}

func (b *Bot) persist() {
	if err := b.st.Save(b.ID, b.snapshotState()); err != nil {
		b.log.Error().Err(err).Str("bot_id", b.ID).Msg("snapshot save failed")
	}
}

// View is the projection served by the bot listing endpoints.
type View struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Strategy          Strategy    `json:"strategy"`
	Symbol            string      `json:"symbol"`
	Status            Status      `json:"status"`
	Config            Config      `json:"config"`
	Stats             store.Stats `json:"stats"`
	TimeCreated       int64       `json:"timeCreated"`
	TimeStarted       *int64      `json:"timeStarted"`
	TimeStopped       *int64      `json:"timeStopped"`
	CurrentDurationMs int64       `json:"currentDurationMs"`
}

// View builds the listing projection with a live duration.
func (b *Bot) View() View {
	b.mu.Lock()
	v := View{
		ID:          b.ID,
		Name:        b.Name,
		Strategy:    b.Strategy,
		Symbol:      b.Symbol,
		Status:      b.status,
		Config:      b.config,
		Stats:       b.stats,
		TimeCreated: b.timeCreated,
		TimeStarted: b.timeStarted,
		TimeStopped: b.timeStopped,
	}
	if b.status == StatusRunning && b.runStartTime != nil {
		v.CurrentDurationMs = nowMs() - *b.runStartTime
	} else {
		v.CurrentDurationMs = b.stats.LastDurationMs
	}
	b.mu.Unlock()
	return v
}

// Details merges the listing projection with runner internals.
func (b *Bot) Details() map[string]interface{} {
	v := b.View()
	out := map[string]interface{}{
		"bot":    v,
		"runner": b.runner.Details(),
	}
	return out
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
