// Package rules holds alert rule definitions and the matcher that turns a
// normalized log record into threshold violations.
package rules

import (
	"context"
	"fmt"
)

// Source reads rule rows maintained by the rule management service.
type Source interface {
	ListActiveAppRules(ctx context.Context) ([]AppRule, error)
	ListActiveMessageRules(ctx context.Context) ([]MessageRule, error)
}

// Provider builds a fresh Set on every call so rule edits apply without a restart.
type Provider struct {
	source Source
}

func NewProvider(source Source) *Provider {
	return &Provider{source: source}
}

func (p *Provider) Snapshot(ctx context.Context) (*Set, error) {
	apps, err := p.source.ListActiveAppRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load app rules: %w", err)
	}
	messages, err := p.source.ListActiveMessageRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load message rules: %w", err)
	}
	return NewSet(apps, messages)
}
