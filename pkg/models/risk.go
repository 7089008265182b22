package models

import (
	"encoding/json"
	"fmt"
)

// RiskLevel classifies how much damage a tool can do. The ordering is
// meaningful: higher values require more autonomy to execute unattended.
type RiskLevel int

const (
	RiskReadOnly RiskLevel = iota
	RiskLowWrite
	RiskHighWrite
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskReadOnly:  "read_only",
	RiskLowWrite:  "low_risk_write",
	RiskHighWrite: "high_risk_write",
	RiskCritical:  "critical",
}

// String returns the wire name of the risk level. Unknown values render as
// critical so a corrupted level is never displayed as safe.
func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return riskNames[RiskCritical]
}

// ParseRiskLevel converts a wire name back to a RiskLevel.
// Unknown names map to RiskCritical, never to a weaker default.
func ParseRiskLevel(s string) RiskLevel {
	for level, name := range riskNames {
		if name == s {
			return level
		}
	}
	return RiskCritical
}

// MarshalJSON encodes the risk level as its wire name.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a wire name, defaulting unknown names to critical.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("risk level: %w", err)
	}
	*r = ParseRiskLevel(s)
	return nil
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if a > b {
		return a
	}
	return b
}
