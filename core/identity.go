package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role names one of the twelve agent specializations. Each role belongs to
// exactly one Layer; the mapping is total and never ambiguous.
type Role string

// The twelve roles, grouped by layer.
const (
	// Sensing layer.
	RoleMonitor   Role = "monitor"
	RoleCollector Role = "collector"
	RoleScout     Role = "scout"

	// Analysis layer.
	RoleAnalyzer   Role = "analyzer"
	RoleCorrelator Role = "correlator"
	RoleForecaster Role = "forecaster"

	// Decision layer.
	RolePlanner  Role = "planner"
	RoleEnforcer Role = "enforcer"
	RoleMediator Role = "mediator"

	// Governance layer.
	RoleAuditor  Role = "auditor"
	RoleCurator  Role = "curator"
	RoleOverseer Role = "overseer"
)

// Layer groups roles into the four functional tiers of a node.
type Layer string

// The four layers.
const (
	LayerSensing    Layer = "sensing"
	LayerAnalysis   Layer = "analysis"
	LayerDecision   Layer = "decision"
	LayerGovernance Layer = "governance"
)

var roleLayers = map[Role]Layer{
	RoleMonitor:    LayerSensing,
	RoleCollector:  LayerSensing,
	RoleScout:      LayerSensing,
	RoleAnalyzer:   LayerAnalysis,
	RoleCorrelator: LayerAnalysis,
	RoleForecaster: LayerAnalysis,
	RolePlanner:    LayerDecision,
	RoleEnforcer:   LayerDecision,
	RoleMediator:   LayerDecision,
	RoleAuditor:    LayerGovernance,
	RoleCurator:    LayerGovernance,
	RoleOverseer:   LayerGovernance,
}

var roleCapabilities = map[Role][]string{
	RoleMonitor:    {"observe", "signal"},
	RoleCollector:  {"observe", "ingest"},
	RoleScout:      {"observe", "probe"},
	RoleAnalyzer:   {"analyze", "score"},
	RoleCorrelator: {"analyze", "correlate"},
	RoleForecaster: {"analyze", "predict"},
	RolePlanner:    {"decide", "plan"},
	RoleEnforcer:   {"decide", "intervene"},
	RoleMediator:   {"decide", "arbitrate"},
	RoleAuditor:    {"govern", "audit"},
	RoleCurator:    {"govern", "curate"},
	RoleOverseer:   {"govern", "oversee"},
}

// RoleLayer returns the layer a role belongs to. The mapping covers all
// twelve roles; unknown roles return an error rather than a zero layer.
func RoleLayer(role Role) (Layer, error) {
	layer, ok := roleLayers[role]
	if !ok {
		return "", fmt.Errorf("%w: role %q", ErrUnknownRole, role)
	}
	return layer, nil
}

// RoleCapabilities returns the default capability set for a role. The
// returned slice is a copy and safe to modify.
func RoleCapabilities(role Role) []string {
	caps := roleCapabilities[role]
	out := make([]string, len(caps))
	copy(out, caps)
	return out
}

// Roles returns all twelve known roles in a stable layer-grouped order.
func Roles() []Role {
	return []Role{
		RoleMonitor, RoleCollector, RoleScout,
		RoleAnalyzer, RoleCorrelator, RoleForecaster,
		RolePlanner, RoleEnforcer, RoleMediator,
		RoleAuditor, RoleCurator, RoleOverseer,
	}
}

// Identity carries the immutable identifying details of an agent: generated
// id, role and derived layer, the agent's Ed25519 public key, the owning
// node id and the creation timestamp. Identities are created once at spawn
// time and never mutated.
type Identity struct {
	ID        string            `json:"id"`
	Role      Role              `json:"role"`
	Layer     Layer             `json:"layer"`
	PublicKey ed25519.PublicKey `json:"public_key"`
	NodeID    string            `json:"node_id"`
	Created   time.Time         `json:"created"`
}

// NewIdentity generates a fresh identity plus the matching private signing
// key for the given role. It fails if the role is not one of the twelve
// known roles or if key generation fails.
func NewIdentity(role Role, nodeID string) (Identity, ed25519.PrivateKey, error) {
	layer, err := RoleLayer(role)
	if err != nil {
		return Identity{}, nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, nil, fmt.Errorf("generating signing key: %w", err)
	}

	return Identity{
		ID:        uuid.NewString(),
		Role:      role,
		Layer:     layer,
		PublicKey: pub,
		NodeID:    nodeID,
		Created:   time.Now().UTC(),
	}, priv, nil
}

// NewID generates a new unique identifier for tasks, messages and consensus
// requests.
func NewID() string { return uuid.NewString() }
