package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"binance-strategy-engine/internal/events"
	"binance-strategy-engine/internal/store"
)

// RunnerFactory builds the strategy runner for a bot. The manager calls
// it once per bot, after the initial snapshot is on disk.
type RunnerFactory func(b *Bot) Runner

// Manager owns the bot registry and drives every lifecycle transition.
type Manager struct {
	mu      sync.RWMutex
	bots    map[string]*Bot
	st      *store.Store
	bus     *events.Bus
	factory RunnerFactory
	log     zerolog.Logger
}

// NewManager returns an empty registry.
func NewManager(st *store.Store, bus *events.Bus, factory RunnerFactory, log zerolog.Logger) *Manager {
	return &Manager{
		bots:    make(map[string]*Bot),
		st:      st,
		bus:     bus,
		factory: factory,
		log:     log.With().Str("component", "manager").Logger(),
	}
}

// CreateBot registers a new stopped bot. The initial snapshot is
// persisted before the runner is constructed so a crash mid-create
// never leaves a runner without durable state.
func (m *Manager) CreateBot(name string, strategy Strategy, symbol string, cfg Config) (*Bot, error) {
	if err := cfg.Validate(strategy); err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}

	b := &Bot{
		ID:          uuid.NewString(),
		Name:        name,
		Strategy:    strategy,
		Symbol:      symbol,
		status:      StatusStopped,
		config:      cfg,
		timeCreated: nowMs(),
		st:          m.st,
		bus:         m.bus,
		log:         m.log,
	}

	if err := m.st.Save(b.ID, b.snapshotState()); err != nil {
		return nil, fmt.Errorf("persist new bot: %w", err)
	}
	b.runner = m.factory(b)

	m.mu.Lock()
	m.bots[b.ID] = b
	m.mu.Unlock()

	m.log.Info().Str("bot_id", b.ID).Str("strategy", string(strategy)).Str("symbol", symbol).Msg("bot created")
	return b, nil
}

// LoadBotsFromDisk rebuilds the registry from persisted snapshots and
// restarts the runners of bots that were running when the process
// died. timeStarted is left untouched so run duration continues across
// the restart.
func (m *Manager) LoadBotsFromDisk() error {
	snaps, err := m.st.LoadAll()
	if err != nil {
		return err
	}

	for id, snap := range snaps {
		strategy, err := ParseStrategy(snap.State.Strategy)
		if err != nil {
			m.log.Warn().Err(err).Str("bot_id", id).Msg("skipping snapshot")
			continue
		}
		cfg, err := parseConfig(snap.State.Config)
		if err != nil {
			m.log.Warn().Err(err).Str("bot_id", id).Msg("skipping snapshot")
			continue
		}

		b := &Bot{
			ID:                id,
			Name:              snap.State.Name,
			Strategy:          strategy,
			Symbol:            snap.State.Symbol,
			status:            StatusStopped,
			config:            cfg,
			stats:             snap.State.Stats,
			timeCreated:       snap.State.TimeCreated,
			timeStarted:       snap.State.TimeStarted,
			timeStopped:       snap.State.TimeStopped,
			initialStartPrice: snap.State.InitialStartPrice,
			st:                m.st,
			bus:               m.bus,
			log:               m.log,
		}
		b.runner = m.factory(b)

		m.mu.Lock()
		m.bots[id] = b
		m.mu.Unlock()

		if Status(snap.State.Status) == StatusRunning && b.timeStarted != nil {
			b.mu.Lock()
			b.status = StatusRunning
			start := *b.timeStarted
			b.runStartTime = &start
			b.timeStopped = nil
			runner := b.runner
			b.startWG.Add(1)
			b.mu.Unlock()

			go func(b *Bot, r Runner) {
				defer b.startWG.Done()
				if err := r.Start(); err != nil {
					m.log.Error().Err(err).Str("bot_id", b.ID).Msg("runner resume failed")
					b.PublishError(err)
				}
			}(b, runner)
			m.log.Info().Str("bot_id", id).Msg("bot resumed")
		} else {
			m.log.Info().Str("bot_id", id).Msg("bot loaded")
		}
	}
	return nil
}

// Get looks a bot up by id.
func (m *Manager) Get(id string) (*Bot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	return b, ok
}

// ListBots returns the listing projections, ordered by creation time.
func (m *Manager) ListBots() []View {
	m.mu.RLock()
	bots := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()

	views := make([]View, 0, len(bots))
	for _, b := range bots {
		views = append(views, b.View())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].TimeCreated < views[j].TimeCreated })
	return views
}

// Summary aggregates the registry for the dashboard.
func (m *Manager) Summary() map[string]interface{} {
	views := m.ListBots()
	running := 0
	rounds := 0
	pnl := 0.0
	for _, v := range views {
		if v.Status == StatusRunning {
			running++
		}
		rounds += v.Stats.CompletedRounds
		pnl += v.Stats.RealizedPnl
	}
	return map[string]interface{}{
		"total":           len(views),
		"running":         running,
		"stopped":         len(views) - running,
		"completedRounds": rounds,
		"realizedPnl":     pnl,
	}
}

// UpdateStats applies a stats delta to a bot.
func (m *Manager) UpdateStats(id string, delta StatsDelta) error {
	b, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("bot %s not found", id)
	}
	b.ApplyStats(delta)
	return nil
}

// Remove stops a bot if needed and deletes its snapshot.
func (m *Manager) Remove(id string) error {
	b, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("bot %s not found", id)
	}
	b.Stop()

	m.mu.Lock()
	delete(m.bots, id)
	m.mu.Unlock()

	if err := m.st.Delete(id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	m.log.Info().Str("bot_id", id).Msg("bot removed")
	return nil
}

// StopAll stops every running bot, used during graceful shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	bots := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()

	for _, b := range bots {
		if b.Status() == StatusRunning {
			b.Stop()
		}
	}
}
