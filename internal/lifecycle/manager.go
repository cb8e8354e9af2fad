package lifecycle

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/hotwellkz/wabridge/internal/bus"
	"github.com/hotwellkz/wabridge/internal/driver"
	"github.com/hotwellkz/wabridge/internal/model"
)

// readyProbe is how long a reconnect attempt waits for the driver to reach
// Ready before counting the attempt as failed.
const readyProbe = 30 * time.Second

// PairingPayload is broadcast when a new pairing challenge is available.
type PairingPayload struct {
	Code    string `json:"code"`
	PNGPath string `json:"pngPath,omitempty"`
}

// SessionInfo is a snapshot of the singleton session aggregate.
type SessionInfo struct {
	State             State     `json:"state"`
	AccountID         string    `json:"accountId,omitempty"`
	DisplayName       string    `json:"displayName,omitempty"`
	AvatarURL         string    `json:"avatarUrl,omitempty"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastTransitionAt  time.Time `json:"lastTransitionAt"`
}

// Manager owns the single driver instance and the session aggregate. It is
// the only component allowed to create, destroy or restart the driver, and
// it serializes all lifecycle-affecting operations.
type Manager struct {
	factory driver.Factory
	machine *Machine
	bus     *bus.Bus
	logger  *zap.Logger
	policy  BackoffPolicy

	pairingPNG string

	drvMu sync.RWMutex
	drv   driver.Driver

	sessMu   sync.RWMutex
	identity model.Identity
	attempts int

	reconnecting atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewManager creates the lifecycle manager. pairingPNG is where the current
// pairing challenge QR code is rendered; empty disables rendering.
func NewManager(factory driver.Factory, machine *Machine, b *bus.Bus, policy BackoffPolicy, pairingPNG string, logger *zap.Logger) *Manager {
	return &Manager{
		factory:    factory,
		machine:    machine,
		bus:        b,
		logger:     logger,
		policy:     policy,
		pairingPNG: pairingPNG,
	}
}

// Start creates the driver and begins the initial connection. A failed
// initial connect schedules the reconnect loop rather than failing startup.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.drvMu.Lock()
	drv, err := m.factory(m.ctx)
	if err != nil {
		m.drvMu.Unlock()
		return err
	}
	drv.SetHandler(m.handle)
	m.drv = drv
	m.drvMu.Unlock()

	if err := m.machine.Transition(Initializing, "startup", 0); err != nil {
		return err
	}
	if err := drv.Initialize(m.ctx); err != nil {
		m.logger.Warn("initial connect failed, scheduling reconnect", zap.Error(err))
		_ = m.machine.Transition(Disconnected, err.Error(), 0)
		m.bus.Emit(bus.KindSessionDisconnected, err.Error())
		m.scheduleReconnect()
	}
	return nil
}

// Shutdown stops the reconnect loop and releases the driver.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.drvMu.Lock()
	if m.drv != nil {
		m.drv.Destroy()
	}
	m.drvMu.Unlock()
	m.logger.Info("lifecycle manager stopped")
}

// Healthy returns true only when state is Ready and the driver confirms an
// active identity. All send and avatar-fetch paths consult this first.
func (m *Manager) Healthy() bool {
	if m.machine.Current() != Ready {
		return false
	}
	m.drvMu.RLock()
	defer m.drvMu.RUnlock()
	return m.drv != nil && m.drv.IsConnected() && m.drv.IsLoggedIn()
}

// Driver returns the current driver instance.
func (m *Manager) Driver() driver.Driver {
	m.drvMu.RLock()
	defer m.drvMu.RUnlock()
	return m.drv
}

// Identity returns the last refreshed account identity.
func (m *Manager) Identity() model.Identity {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	return m.identity
}

// Session returns a snapshot of the session aggregate.
func (m *Manager) Session() SessionInfo {
	m.sessMu.RLock()
	id, attempts := m.identity, m.attempts
	m.sessMu.RUnlock()
	return SessionInfo{
		State:             m.machine.Current(),
		AccountID:         id.AccountID,
		DisplayName:       id.DisplayName,
		AvatarURL:         id.AvatarURL,
		ReconnectAttempts: attempts,
		LastTransitionAt:  m.machine.LastTransitionAt(),
	}
}

// Reset recreates the driver with cleared credentials and starts a fresh
// pairing flow. This is the explicit way out of Failed.
func (m *Manager) Reset(ctx context.Context) error {
	return m.repair(ctx, "manual reset")
}

// handle is the single canonical driver event handler.
func (m *Manager) handle(evt driver.Event) {
	switch e := evt.(type) {
	case driver.PairingChallenge:
		m.onPairingChallenge(e)
	case driver.Authenticated:
		_ = m.machine.Transition(Authenticating, "authenticated", 0)
	case driver.Ready:
		m.onReady(e)
	case driver.Disconnected:
		m.onDisconnected(e)
	case driver.AuthFailed:
		m.onAuthFailed(e)
	case driver.Inbound:
		m.forwardMessage(e.Msg)
	case driver.OutboundEcho:
		m.forwardMessage(e.Msg)
	case driver.AckUpdated:
		m.bus.Emit(bus.KindDriverAck, e)
	}
}

func (m *Manager) onPairingChallenge(e driver.PairingChallenge) {
	m.sessMu.Lock()
	m.attempts = 0
	m.sessMu.Unlock()

	payload := PairingPayload{Code: e.Code}
	if m.pairingPNG != "" {
		if err := qrcode.WriteFile(e.Code, qrcode.Medium, 256, m.pairingPNG); err != nil {
			m.logger.Warn("failed to render pairing code", zap.Error(err))
		} else {
			payload.PNGPath = m.pairingPNG
		}
	}

	_ = m.machine.Transition(AwaitingPairing, "pairing challenge", 0)
	m.bus.Emit(bus.KindSessionPairingChallenge, payload)
	m.logger.Info("pairing challenge issued")
}

// onReady refreshes the account identity before announcing readiness, so
// subscribers never observe Ready with stale identity.
func (m *Manager) onReady(e driver.Ready) {
	identity := e.Identity
	if identity.AccountID == "" {
		if drv := m.Driver(); drv != nil {
			if id, err := drv.Identity(m.ctx); err == nil {
				identity = id
			} else {
				m.logger.Warn("identity refresh failed on ready", zap.Error(err))
			}
		}
	}

	m.sessMu.Lock()
	m.identity = identity
	m.attempts = 0
	m.sessMu.Unlock()

	if m.pairingPNG != "" {
		_ = os.Remove(m.pairingPNG)
	}

	if err := m.machine.Transition(Ready, "connected", 0); err != nil {
		m.logger.Warn("ready transition rejected", zap.Error(err))
		return
	}
	m.bus.Emit(bus.KindSessionAccountConnected, identity)
	m.logger.Info("session ready",
		zap.String("account", identity.AccountID),
		zap.String("display_name", identity.DisplayName))
}

func (m *Manager) onDisconnected(e driver.Disconnected) {
	m.sessMu.RLock()
	attempts := m.attempts
	m.sessMu.RUnlock()

	if err := m.machine.Transition(Disconnected, e.Reason, attempts); err != nil {
		// Already Disconnected or Failed; nothing to do.
		return
	}
	m.logger.Warn("session disconnected", zap.String("reason", e.Reason))
	m.bus.Emit(bus.KindSessionDisconnected, e.Reason)
	m.scheduleReconnect()
}

// onAuthFailed clears local credentials and requests a fresh pairing
// challenge. Human confirmation on the paired device is required from here.
func (m *Manager) onAuthFailed(e driver.AuthFailed) {
	m.logger.Error("authentication failed", zap.Error(e.Err))
	m.bus.Emit(bus.KindSessionAuthFailed, e.Err.Error())
	_ = m.machine.Transition(Failed, e.Err.Error(), 0)

	go func() {
		if err := m.repair(m.ctx, "auth failure"); err != nil {
			m.logger.Error("re-pairing failed", zap.Error(err))
		}
	}()
}

// forwardMessage hands message events to the ingestion pipeline. Events are
// only processed while the session is Ready; anything else is stale.
func (m *Manager) forwardMessage(raw *driver.RawMessage) {
	if m.machine.Current() != Ready {
		m.logger.Debug("dropping message event outside ready state",
			zap.String("conversation", raw.ConversationID),
			zap.String("msg_id", raw.MsgID))
		return
	}
	m.bus.Emit(bus.KindDriverMessage, raw)
}

// scheduleReconnect starts the reconnect loop unless one is already in
// flight. A request while one runs is a no-op, not queued.
func (m *Manager) scheduleReconnect() {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	defer m.reconnecting.Store(false)

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		m.sessMu.Lock()
		m.attempts = attempt
		m.sessMu.Unlock()

		delay := m.policy.Delay(attempt)
		m.logger.Info("reconnect scheduled",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			return
		}

		if m.machine.Current() == Ready {
			return
		}

		if err := m.restartDriver(attempt); err != nil {
			m.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if m.awaitReady() {
			return
		}
	}

	_ = m.machine.Transition(Failed, "reconnect exhausted", m.policy.MaxAttempts)
	m.bus.Emit(bus.KindSessionReconnectExhausted, ErrReconnectExhausted.Error())
	m.logger.Error("reconnect attempts exhausted, manual re-pairing required",
		zap.Int("attempts", m.policy.MaxAttempts))
}

// restartDriver tears down the current driver and brings up a fresh one.
// Serialized on drvMu: no two restarts run concurrently.
func (m *Manager) restartDriver(attempt int) error {
	if err := m.machine.Transition(Initializing, "reconnect", attempt); err != nil {
		return err
	}

	m.drvMu.Lock()
	if m.drv != nil {
		m.drv.Destroy()
	}
	drv, err := m.factory(m.ctx)
	if err != nil {
		m.drvMu.Unlock()
		_ = m.machine.Transition(Disconnected, err.Error(), attempt)
		return err
	}
	drv.SetHandler(m.handle)
	m.drv = drv
	m.drvMu.Unlock()

	// Initialize runs outside the lock: a driver may emit events
	// synchronously and the handler re-enters Driver().
	if err := drv.Initialize(m.ctx); err != nil {
		_ = m.machine.Transition(Disconnected, err.Error(), attempt)
		return err
	}
	return nil
}

// awaitReady waits for the Ready transition driven by driver events, up to
// the probe window.
func (m *Manager) awaitReady() bool {
	deadline := time.After(readyProbe)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if m.machine.Current() == Ready {
				return true
			}
		case <-deadline:
			return false
		case <-m.ctx.Done():
			return false
		}
	}
}

// repair destroys the driver, clears credentials and starts a fresh pairing
// flow.
func (m *Manager) repair(ctx context.Context, reason string) error {
	m.drvMu.Lock()
	if m.drv != nil {
		if err := m.drv.Logout(ctx); err != nil {
			m.logger.Warn("logout during repair failed", zap.Error(err))
		}
		m.drv.Destroy()
	}
	drv, err := m.factory(ctx)
	if err != nil {
		m.drvMu.Unlock()
		return err
	}
	drv.SetHandler(m.handle)
	m.drv = drv
	m.drvMu.Unlock()

	m.sessMu.Lock()
	m.identity = model.Identity{}
	m.attempts = 0
	m.sessMu.Unlock()

	if err := m.machine.Transition(Initializing, reason, 0); err != nil {
		return err
	}
	// Outside the lock, same as restartDriver: the handler may fire from
	// inside Initialize.
	return drv.Initialize(ctx)
}
