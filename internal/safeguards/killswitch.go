// Package safeguards is the operational brake between models and
// consumers: scoped kill switches that block serving immediately, and hard
// bounds on prediction values regardless of model correctness.
package safeguards

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northwind-analytics/custintel/internal/fsutil"
)

// Scope is the dimension a kill switch applies to.
type Scope string

const (
	ScopeModelVersion       Scope = "model_version"
	ScopeModelType          Scope = "model_type"
	ScopeInferenceEndpoint  Scope = "inference_endpoint"
	ScopeCustomerSegment    Scope = "customer_segment"
	ScopeGeographicRegion   Scope = "geographic_region"
	ScopeDownstreamConsumer Scope = "downstream_consumer"
)

var validScopes = map[Scope]bool{
	ScopeModelVersion:       true,
	ScopeModelType:          true,
	ScopeInferenceEndpoint:  true,
	ScopeCustomerSegment:    true,
	ScopeGeographicRegion:   true,
	ScopeDownstreamConsumer: true,
}

// Switch is one active or historical kill switch.
type Switch struct {
	ID          string    `json:"id"`
	Scope       Scope     `json:"scope"`
	Target      string    `json:"target"`
	Reason      string    `json:"reason"`
	ActivatedBy string    `json:"activated_by"`
	ActivatedAt time.Time `json:"activated_at"`
}

// HistoryEntry records one activation or deactivation for the audit trail.
type HistoryEntry struct {
	Action    string    `json:"action"`
	Switch    Switch    `json:"switch"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

type switchState struct {
	KillSwitches      []Switch       `json:"kill_switches"`
	ActivationHistory []HistoryEntry `json:"activation_history"`
}

// Manager owns the persisted kill-switch state. All mutations rewrite the
// state file atomically before returning, so a crash never loses an
// activation.
type Manager struct {
	mu     sync.RWMutex
	path   string
	state  switchState
	logger *zap.Logger
	now    func() time.Time
}

// NewManager loads existing state from path, tolerating a missing file.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{path: path, logger: logger, now: time.Now}
	if err := fsutil.ReadJSON(path, &m.state); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load kill switches: %w", err)
	}
	return m, nil
}

// Activate creates a new kill switch. Blocking takes effect before
// Activate returns.
func (m *Manager) Activate(scope Scope, target, reason, actor string) (Switch, error) {
	if !validScopes[scope] {
		return Switch{}, fmt.Errorf("invalid kill switch scope %q", scope)
	}
	if target == "" {
		return Switch{}, fmt.Errorf("kill switch target is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.state.KillSwitches {
		if s.Scope == scope && s.Target == target {
			return Switch{}, fmt.Errorf("kill switch already active for %s/%s", scope, target)
		}
	}

	now := m.now().UTC()
	sw := Switch{
		ID:          fmt.Sprintf("%s_%s_%s_%s", scope, sanitizeTarget(target), now.Format("20060102T150405Z"), uuid.NewString()[:8]),
		Scope:       scope,
		Target:      target,
		Reason:      reason,
		ActivatedBy: actor,
		ActivatedAt: now,
	}
	m.state.KillSwitches = append(m.state.KillSwitches, sw)
	m.state.ActivationHistory = append(m.state.ActivationHistory, HistoryEntry{
		Action: "activate", Switch: sw, Actor: actor, Timestamp: now,
	})
	if err := m.persistLocked(); err != nil {
		return Switch{}, err
	}
	m.logger.Warn("kill switch activated",
		zap.String("scope", string(scope)),
		zap.String("target", target),
		zap.String("reason", reason),
		zap.String("actor", actor))
	return sw, nil
}

// Deactivate removes a switch by ID. The activation record stays in
// history.
func (m *Manager) Deactivate(id, actor, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.state.KillSwitches {
		if s.ID != id {
			continue
		}
		m.state.KillSwitches = append(m.state.KillSwitches[:i], m.state.KillSwitches[i+1:]...)
		m.state.ActivationHistory = append(m.state.ActivationHistory, HistoryEntry{
			Action: "deactivate", Switch: s, Actor: actor, Timestamp: m.now().UTC(), Note: note,
		})
		if err := m.persistLocked(); err != nil {
			return err
		}
		m.logger.Info("kill switch deactivated", zap.String("id", id), zap.String("actor", actor))
		return nil
	}
	return fmt.Errorf("kill switch %q not found", id)
}

// IsBlocked reports whether any active switch matches the scope and
// target.
func (m *Manager) IsBlocked(scope Scope, target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.state.KillSwitches {
		if s.Scope == scope && s.Target == target {
			return true
		}
	}
	return false
}

// ActiveSwitches returns a copy of the currently active switches.
func (m *Manager) ActiveSwitches() []Switch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Switch(nil), m.state.KillSwitches...)
}

// History returns the most recent limit entries, newest last. limit <= 0
// returns everything.
func (m *Manager) History(limit int) []HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.state.ActivationHistory
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]HistoryEntry(nil), h...)
}

func (m *Manager) persistLocked() error {
	if err := fsutil.WriteJSONAtomic(m.path, m.state); err != nil {
		return fmt.Errorf("persist kill switches: %w", err)
	}
	return nil
}

func sanitizeTarget(target string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, target)
}
