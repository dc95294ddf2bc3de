package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logwatch/internal/logsource"
)

func record(app, message string, duration int64) logsource.Record {
	return logsource.Record{Collection: "core-logs", ID: "1", AppName: app, Message: message, DurationMs: duration}
}

func TestPatternMatch(t *testing.T) {
	cases := []struct {
		pattern string
		message string
		want    bool
	}{
		{"BILLING_%", "BILLING_TIMEOUT_PROCESS", true},
		{"BILLING_%", "billing_timeout", true},
		{"BILLING_%", "REFUND_BILLING_OK", false},
		{"%_OK", "REFUND_BILLING_OK", true},
		{"BILLING_%_PROCESS", "BILLING_TIMEOUT_PROCESS", true},
		{"BILLING_%", "BILLING_", true},
		{"PAY.OUT", "PAYXOUT", false},
		{"PAY.%", "PAYXOUT", false},
		{"CHECKOUT", "CHECKOUT", true},
		{"CHECKOUT", "checkout", false},
		{"CHECKOUT", "CHECKOUT_DONE", false},
		{"%", "", true},
	}
	for _, tc := range cases {
		p, err := CompilePattern(tc.pattern)
		require.NoError(t, err)
		assert.Equal(t, tc.want, p.Match(tc.message), "%q vs %q", tc.pattern, tc.message)
	}
}

func TestMatchAppRuleThresholdBoundary(t *testing.T) {
	set, err := NewSet([]AppRule{{ID: 1, AppName: "core", MaxDurationMs: 1000, Active: true, CooldownMinutes: 5}}, nil)
	require.NoError(t, err)

	assert.Empty(t, set.Match(record("core", "x", 1000)))

	violations := set.Match(record("core", "x", 1001))
	require.Len(t, violations, 1)
	assert.Equal(t, int64(1), violations[0].OverageMs)

	violations = set.Match(record("core", "x", 1500))
	require.Len(t, violations, 1)
	v := violations[0]
	assert.Equal(t, TypeApp, v.Type)
	assert.Equal(t, int64(1), v.RuleID)
	assert.Equal(t, int64(1000), v.ThresholdMs)
	assert.Equal(t, int64(500), v.OverageMs)
	assert.Equal(t, 5*time.Minute, v.Cooldown)

	assert.Empty(t, set.Match(record("merchant", "x", 5000)))
}

func TestMatchMessageRuleScope(t *testing.T) {
	set, err := NewSet(nil, []MessageRule{
		{ID: 10, AppName: "core", MessageKey: "BILLING_%", MaxDurationMs: 800, Active: true, Priority: 3},
		{ID: 11, MessageKey: "REFUND_%", MaxDurationMs: 100, Active: true},
	})
	require.NoError(t, err)

	violations := set.Match(record("core", "BILLING_TIMEOUT_PROCESS", 900))
	require.Len(t, violations, 1)
	assert.Equal(t, TypeMessage, violations[0].Type)
	assert.Equal(t, 3, violations[0].Priority)
	assert.Equal(t, int64(100), violations[0].OverageMs)

	assert.Empty(t, set.Match(record("core", "REFUND_BILLING_OK", 900)), "core-scoped rule must not match")
	assert.Empty(t, set.Match(record("vendor", "BILLING_TIMEOUT_PROCESS", 900)), "rule scoped to another app")

	global := set.Match(record("vendor", "REFUND_BILLING_OK", 200))
	require.Len(t, global, 1)
	assert.Equal(t, int64(11), global[0].RuleID)
}

func TestMatchBothFamilies(t *testing.T) {
	set, err := NewSet(
		[]AppRule{{ID: 1, AppName: "core", MaxDurationMs: 1000, Active: true}},
		[]MessageRule{
			{ID: 2, MessageKey: "BILLING_%", MaxDurationMs: 800, Active: true},
			{ID: 3, MessageKey: "%TIMEOUT%", MaxDurationMs: 500, Active: true},
			{ID: 4, MessageKey: "BILLING_%", MaxDurationMs: 100, Active: false},
		},
	)
	require.NoError(t, err)

	violations := set.Match(record("core", "BILLING_TIMEOUT_PROCESS", 1200))
	require.Len(t, violations, 3)
	assert.Equal(t, TypeApp, violations[0].Type)
	assert.Equal(t, int64(2), violations[1].RuleID)
	assert.Equal(t, int64(3), violations[2].RuleID)
	assert.Equal(t, DefaultCooldownMinutes*time.Minute, violations[1].Cooldown, "unset cooldown takes the default")

	apps, messages := set.Counts()
	assert.Equal(t, 1, apps)
	assert.Equal(t, 2, messages)
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "2d711642b726b04401627ca9fbac32f5c8530fb1903cc4db02258717921a4881", Signature("x"))
	v := Violation{Record: record("core", "x", 1)}
	assert.Equal(t, Signature("x"), v.Signature())
}

type stubSource struct {
	apps     []AppRule
	messages []MessageRule
	err      error
	calls    int
}

func (s *stubSource) ListActiveAppRules(context.Context) ([]AppRule, error) {
	s.calls++
	return s.apps, s.err
}

func (s *stubSource) ListActiveMessageRules(context.Context) ([]MessageRule, error) {
	return s.messages, nil
}

func TestProviderSnapshotRefreshes(t *testing.T) {
	src := &stubSource{apps: []AppRule{{ID: 1, AppName: "core", MaxDurationMs: 1000, Active: true}}}
	provider := NewProvider(src)

	set, err := provider.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, set.Match(record("core", "x", 1500)), 1)

	src.apps[0].MaxDurationMs = 2000
	set, err = provider.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, set.Match(record("core", "x", 1500)))
	assert.Equal(t, 2, src.calls)

	src.err = errors.New("db down")
	_, err = provider.Snapshot(context.Background())
	assert.ErrorContains(t, err, "db down")
}

func TestCooldownDefaults(t *testing.T) {
	assert.Equal(t, 5*time.Minute, cooldown(0))
	assert.Equal(t, 12*time.Minute, cooldown(12))
	assert.Equal(t, time.Duration(0), cooldown(-1))
}
