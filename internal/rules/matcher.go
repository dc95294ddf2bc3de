package rules

import (
	"logwatch/internal/logsource"
)

type compiledMessageRule struct {
	rule    MessageRule
	pattern Pattern
}

// Set is an immutable snapshot of the active rules.
type Set struct {
	apps     map[string]AppRule
	messages []compiledMessageRule
}

// NewSet compiles a snapshot. Inactive rules are dropped; when two active app
// rules share an application name the later one wins.
func NewSet(appRules []AppRule, messageRules []MessageRule) (*Set, error) {
	s := &Set{apps: make(map[string]AppRule, len(appRules))}
	for _, rule := range appRules {
		if !rule.Active {
			continue
		}
		s.apps[rule.AppName] = rule
	}
	for _, rule := range messageRules {
		if !rule.Active {
			continue
		}
		pattern, err := CompilePattern(rule.MessageKey)
		if err != nil {
			return nil, err
		}
		s.messages = append(s.messages, compiledMessageRule{rule: rule, pattern: pattern})
	}
	return s, nil
}

// Match returns every violation of the record. App and message rules are
// evaluated independently, so one record can breach several rules.
func (s *Set) Match(record logsource.Record) []Violation {
	if s == nil {
		return nil
	}
	var violations []Violation
	if rule, ok := s.apps[record.AppName]; ok && record.DurationMs > rule.MaxDurationMs {
		violations = append(violations, Violation{
			Type:        TypeApp,
			RuleID:      rule.ID,
			Record:      record,
			ThresholdMs: rule.MaxDurationMs,
			OverageMs:   record.DurationMs - rule.MaxDurationMs,
			Cooldown:    cooldown(rule.CooldownMinutes),
			Channels:    rule.Channels,
			Targets:     rule.Targets,
		})
	}
	for _, m := range s.messages {
		if m.rule.AppName != "" && m.rule.AppName != record.AppName {
			continue
		}
		if !m.pattern.Match(record.Message) || record.DurationMs <= m.rule.MaxDurationMs {
			continue
		}
		violations = append(violations, Violation{
			Type:        TypeMessage,
			RuleID:      m.rule.ID,
			Record:      record,
			ThresholdMs: m.rule.MaxDurationMs,
			OverageMs:   record.DurationMs - m.rule.MaxDurationMs,
			Cooldown:    cooldown(m.rule.CooldownMinutes),
			Priority:    m.rule.Priority,
			Channels:    m.rule.Channels,
			Targets:     m.rule.Targets,
		})
	}
	return violations
}

// Counts reports how many app and message rules the snapshot holds.
func (s *Set) Counts() (apps, messages int) {
	if s == nil {
		return 0, 0
	}
	return len(s.apps), len(s.messages)
}
