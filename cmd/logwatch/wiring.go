package main

import (
	"context"
	"fmt"

	"logwatch/internal/alert"
	"logwatch/internal/bus"
	"logwatch/internal/config"
	"logwatch/internal/limiter"
	"logwatch/internal/logsource"
	"logwatch/internal/rules"
	"logwatch/internal/scanner"
	"logwatch/internal/storage"
)

// components holds the long-lived dependencies of a scan. close releases
// them in reverse order of acquisition.
type components struct {
	store      *storage.Store
	repo       *storage.Repository
	source     logsource.Source
	publisher  *bus.Publisher
	dispatcher *alert.Dispatcher
	closers    []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (a *app) openStore(ctx context.Context, c *components) error {
	store, err := storage.NewStore(ctx, a.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	c.closers = append(c.closers, store.Close)
	c.store = store
	c.repo = storage.NewRepository(store)
	c.repo.Timeout = a.cfg.Database.Timeout
	return nil
}

func (a *app) openPublisher(c *components) {
	if a.cfg.NATS.URL == "" {
		return
	}
	publisher, err := bus.NewPublisher(a.cfg.NATS.URL)
	if err != nil {
		// Publishing is optional; scans proceed without a broker.
		a.logger.Warn().Err(err).Str("url", a.cfg.NATS.URL).Msg("nats_unavailable")
		return
	}
	c.closers = append(c.closers, publisher.Close)
	c.publisher = publisher
}

func (a *app) openSource(c *components) error {
	src := a.cfg.Source
	var (
		source logsource.Source
		err    error
	)
	switch src.Type {
	case config.SourceSQL:
		source, err = logsource.NewSQLSource(logsource.SQLConfig{
			Connection: logsource.ConnectionConfig{
				Type:     src.SQL.Driver,
				Host:     src.SQL.Host,
				Port:     src.SQL.Port,
				User:     src.SQL.User,
				Password: src.SQL.Password,
				Database: src.SQL.Database,
				SSLMode:  src.SQL.SSLMode,
			},
			Columns:      src.SQL.Columns,
			Keywords:     src.Keywords,
			QueryTimeout: src.QueryTimeout,
		}, a.logger)
	default:
		source, err = logsource.NewElasticSource(logsource.ElasticConfig{
			Addresses:    src.Elasticsearch.Addresses,
			Username:     src.Elasticsearch.Username,
			Password:     src.Elasticsearch.Password,
			Keywords:     src.Keywords,
			QueryTimeout: src.QueryTimeout,
		}, a.logger)
	}
	if err != nil {
		return fmt.Errorf("open log source: %w", err)
	}
	c.closers = append(c.closers, func() { _ = source.Close() })
	c.source = source
	return nil
}

// buildDispatcher registers every channel whose credentials are configured.
func (a *app) buildDispatcher(c *components, audit alert.AuditWriter) error {
	cfg := a.cfg.Alert
	channels := map[string]alert.Channel{}
	if cfg.Telegram.BotToken != "" {
		telegram, err := alert.NewTelegram(alert.TelegramConfig{BotToken: cfg.Telegram.BotToken, BaseURL: cfg.Telegram.BaseURL})
		if err != nil {
			return err
		}
		channels[alert.ChannelTelegram] = telegram
	}
	if cfg.SMTP.Host != "" {
		email, err := alert.NewEmail(alert.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return err
		}
		channels[alert.ChannelEmail] = email
	}
	if c.publisher != nil {
		channels[alert.ChannelNATS] = alert.NewNATS(c.publisher)
	}
	if len(channels) == 0 {
		a.logger.Warn().Msg("no_alert_channels_configured")
	}
	c.dispatcher = alert.NewDispatcher(alert.Config{
		Legacy: alert.LegacyConfig{
			TelegramChatID:  cfg.Telegram.ChatID,
			TelegramGroupID: cfg.Telegram.GroupID,
			EmailRecipients: cfg.EmailRecipients,
			NATSSubject:     cfg.NATSSubject,
		},
		SendTimeout: cfg.SendTimeout,
	}, channels, audit, a.logger)
	return nil
}

// buildScanner opens every dependency of a scan run. The caller must call
// close on the returned components, also on error.
func (a *app) buildScanner(ctx context.Context) (*scanner.Orchestrator, *components, error) {
	c := &components{}
	if err := a.openStore(ctx, c); err != nil {
		return nil, c, err
	}
	a.openPublisher(c)
	if err := a.openSource(c); err != nil {
		return nil, c, err
	}
	if err := a.buildDispatcher(c, c.repo); err != nil {
		return nil, c, err
	}

	deps := scanner.Deps{
		Source:     c.source,
		Store:      c.repo,
		Rules:      rules.NewProvider(c.repo),
		Guard:      limiter.NewGuard(c.repo),
		Dispatcher: c.dispatcher,
		Logger:     a.logger,
	}
	if c.publisher != nil {
		deps.Publisher = c.publisher
	}
	orch := scanner.New(scanner.Config{
		JobName:     a.cfg.Scan.JobName,
		BatchSize:   a.cfg.Source.BatchSize,
		LeaseTTL:    a.cfg.Scan.LeaseTTL,
		Collections: a.cfg.Scan.Collections,
	}, deps)
	return orch, c, nil
}
