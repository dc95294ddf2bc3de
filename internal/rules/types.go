package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"logwatch/internal/logsource"
)

type Type string

const (
	TypeApp     Type = "app"
	TypeMessage Type = "message"
)

// DefaultCooldownMinutes applies when a rule row leaves the cooldown unset.
const DefaultCooldownMinutes = 5

// Target is a notification destination attached to a rule.
type Target struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Label   string `json:"label,omitempty"`
}

type AppRule struct {
	ID              int64    `json:"id"`
	AppName         string   `json:"app_name"`
	MaxDurationMs   int64    `json:"max_duration_ms"`
	Active          bool     `json:"is_active"`
	CooldownMinutes int      `json:"cooldown_minutes"`
	Channels        []string `json:"alert_channels"`
	Targets         []Target `json:"targets"`
}

// MessageRule applies to records whose message matches MessageKey. An empty
// AppName makes the rule global.
type MessageRule struct {
	ID              int64    `json:"id"`
	AppName         string   `json:"app_name,omitempty"`
	MessageKey      string   `json:"message_key"`
	MaxDurationMs   int64    `json:"max_duration_ms"`
	Active          bool     `json:"is_active"`
	Priority        int      `json:"priority"`
	CooldownMinutes int      `json:"cooldown_minutes"`
	Channels        []string `json:"alert_channels"`
	Targets         []Target `json:"targets"`
}

// Violation is a single threshold breach found in one record.
type Violation struct {
	Type        Type
	RuleID      int64
	Record      logsource.Record
	ThresholdMs int64
	OverageMs   int64
	Cooldown    time.Duration
	Priority    int
	Channels    []string
	Targets     []Target
}

// Signature is the lowercase hex SHA-256 of the record message.
func (v Violation) Signature() string {
	return Signature(v.Record.Message)
}

func Signature(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}

// cooldown maps a rule's minutes to a window. Zero means unset and takes the
// default; a negative value disables the cooldown.
func cooldown(minutes int) time.Duration {
	switch {
	case minutes == 0:
		minutes = DefaultCooldownMinutes
	case minutes < 0:
		minutes = 0
	}
	return time.Duration(minutes) * time.Minute
}
