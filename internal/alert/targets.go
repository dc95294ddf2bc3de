package alert

import (
	"strings"

	"logwatch/internal/rules"
)

const (
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
	ChannelNATS     = "nats"
)

// LegacyConfig resolves the channel names stored on older rules, which carry
// no address of their own.
type LegacyConfig struct {
	TelegramChatID  string
	TelegramGroupID string
	EmailRecipients []string
	NATSSubject     string
}

type target struct {
	channel string
	address string
}

func (t target) String() string {
	return t.channel + ":" + t.address
}

// resolveTargets merges the rule's dynamic targets with its legacy channels.
// A (channel, address) pair appears once; unknown names are returned apart.
func resolveTargets(v rules.Violation, legacy LegacyConfig) (targets []target, unknown []string) {
	seen := map[string]struct{}{}
	add := func(channel, address string) {
		address = strings.TrimSpace(address)
		if address == "" {
			return
		}
		key := channel + ":" + address
		if channel == ChannelEmail {
			key = strings.ToLower(key)
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		targets = append(targets, target{channel: channel, address: address})
	}

	for _, t := range v.Targets {
		kind := strings.ToLower(strings.TrimSpace(t.Type))
		switch {
		case strings.HasPrefix(kind, ChannelTelegram):
			add(ChannelTelegram, t.Address)
		case kind == ChannelEmail:
			add(ChannelEmail, t.Address)
		case kind == ChannelNATS:
			add(ChannelNATS, t.Address)
		default:
			unknown = append(unknown, t.Type)
		}
	}

	for _, name := range v.Channels {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "telegram", "telegram_chat":
			add(ChannelTelegram, legacy.TelegramChatID)
		case "telegram_group":
			add(ChannelTelegram, legacy.TelegramGroupID)
		case "email":
			for _, recipient := range legacy.EmailRecipients {
				add(ChannelEmail, recipient)
			}
		case "nats":
			add(ChannelNATS, legacy.NATSSubject)
		default:
			unknown = append(unknown, name)
		}
	}
	return targets, unknown
}
