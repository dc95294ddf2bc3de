package logsource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"
)

// SQLColumns maps log table columns onto the document fields the normalizer reads.
type SQLColumns struct {
	ID        string `yaml:"id"`
	Timestamp string `yaml:"timestamp"`
	AppName   string `yaml:"app_name"`
	Message   string `yaml:"message"`
	Level     string `yaml:"level"`
	Context   string `yaml:"context"`
	Extra     string `yaml:"extra"`
}

func DefaultSQLColumns() SQLColumns {
	return SQLColumns{
		ID:        "id",
		Timestamp: "timestamp",
		AppName:   "app_name",
		Message:   "message",
		Level:     "level_name",
		Context:   "context",
		Extra:     "extra",
	}
}

type SQLConfig struct {
	Connection   ConnectionConfig
	Columns      SQLColumns
	Keywords     []string
	QueryTimeout time.Duration
}

// SQLSource scans log tables of a relational database with keyset pagination.
// Each table is one collection.
type SQLSource struct {
	db       *sql.DB
	dialect  dialect
	columns  SQLColumns
	keywords []string
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewSQLSource(cfg SQLConfig, logger zerolog.Logger) (*SQLSource, error) {
	d, err := dialectFor(cfg.Connection.Type)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, d.dsn(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", d.name, err)
	}
	return newSQLSource(db, d, cfg, logger), nil
}

func newSQLSource(db *sql.DB, d dialect, cfg SQLConfig, logger zerolog.Logger) *SQLSource {
	defaults := DefaultSQLColumns()
	columns := SQLColumns{
		ID:        orDefault(cfg.Columns.ID, defaults.ID),
		Timestamp: orDefault(cfg.Columns.Timestamp, defaults.Timestamp),
		AppName:   orDefault(cfg.Columns.AppName, defaults.AppName),
		Message:   orDefault(cfg.Columns.Message, defaults.Message),
		Level:     orDefault(cfg.Columns.Level, defaults.Level),
		Context:   orDefault(cfg.Columns.Context, defaults.Context),
		Extra:     orDefault(cfg.Columns.Extra, defaults.Extra),
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SQLSource{
		db:       db,
		dialect:  d,
		columns:  columns,
		keywords: cfg.Keywords,
		timeout:  timeout,
		logger:   logger.With().Str("source", d.name).Logger(),
	}
}

func (s *SQLSource) Collections(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.dialect.listTables)
	if err != nil {
		return nil, fmt.Errorf("list %s tables: %w", s.dialect.name, err)
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan %s table name: %w", s.dialect.name, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s tables: %w", s.dialect.name, err)
	}
	return FilterCollections(names, s.keywords), nil
}

func (s *SQLSource) Scan(ctx context.Context, req ScanRequest) (Batch, error) {
	batch, err := s.scan(ctx, req)
	if err != nil {
		s.logger.Error().Err(err).Str("collection", req.Collection).Msg("scan_failed")
		return Batch{}, err
	}
	return batch, nil
}

func (s *SQLSource) scan(ctx context.Context, req ScanRequest) (Batch, error) {
	query, args, err := s.buildQuery(req)
	if err != nil {
		return Batch{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Batch{}, fmt.Errorf("query %s: %w", req.Collection, err)
	}
	defer rows.Close()
	results, err := scanRowsToMaps(rows)
	if err != nil {
		return Batch{}, fmt.Errorf("scan %s rows: %w", req.Collection, err)
	}

	batch := Batch{Records: []Record{}, Fetched: len(results)}
	for _, row := range results {
		id := fmt.Sprint(row[s.columns.ID])
		doc, err := s.rowDocument(row)
		if err != nil {
			s.logger.Warn().Err(err).Str("collection", req.Collection).Str("id", id).Msg("row_document_failed")
			continue
		}
		if record, ok := Normalize(req.Collection, id, doc); ok {
			batch.Records = append(batch.Records, record)
		}
	}
	if len(results) > 0 {
		last := results[len(results)-1]
		if ts, ok := toTime(last[s.columns.Timestamp]); ok {
			batch.Next = &Cursor{Timestamp: ts, ID: fmt.Sprint(last[s.columns.ID])}
		}
	}
	return batch, nil
}

// buildQuery renders the keyset page query:
//
//	WHERE app present AND ts >= since AND (ts > t OR (ts = t AND id > i))
//	ORDER BY ts, id LIMIT n
func (s *SQLSource) buildQuery(req ScanRequest) (string, []any, error) {
	table, err := s.dialect.quoteTable(req.Collection)
	if err != nil {
		return "", nil, err
	}
	cols := map[string]string{}
	order := []string{s.columns.ID, s.columns.Timestamp, s.columns.AppName, s.columns.Message, s.columns.Level, s.columns.Context, s.columns.Extra}
	selectCols := make([]string, 0, len(order))
	for _, name := range order {
		quoted, err := s.dialect.quoteColumn(name)
		if err != nil {
			return "", nil, err
		}
		cols[name] = quoted
		selectCols = append(selectCols, quoted)
	}
	id, ts, app := cols[s.columns.ID], cols[s.columns.Timestamp], cols[s.columns.AppName]

	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return s.dialect.placeholder(len(args))
	}
	where := []string{
		fmt.Sprintf("%s IS NOT NULL", app),
		fmt.Sprintf("%s <> ''", app),
		fmt.Sprintf("%s <> 'null'", app),
	}
	if !req.Since.IsZero() {
		where = append(where, fmt.Sprintf("%s >= %s", ts, next(req.Since.UTC())))
	}
	if req.After != nil {
		where = append(where, fmt.Sprintf("(%s > %s OR (%s = %s AND %s > %s))",
			ts, next(req.After.Timestamp.UTC()), ts, next(req.After.Timestamp.UTC()), id, next(req.After.ID)))
	}
	limit := s.dialect.limit(next(normalizeBatchSize(req.BatchSize)))
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s ASC, %s ASC %s",
		strings.Join(selectCols, ", "), table, strings.Join(where, " AND "), ts, id, limit)
	return query, args, nil
}

// rowDocument shapes a row like a search hit source so SQL and search
// backends share one normalizer. Context and extra stay encoded strings.
func (s *SQLSource) rowDocument(row map[string]any) ([]byte, error) {
	doc := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err != nil || value == nil {
			return
		}
		doc, err = sjson.SetBytes(doc, path, value)
	}
	if ts, ok := toTime(row[s.columns.Timestamp]); ok {
		set(fieldDatetime, ts.UTC().Format(time.RFC3339Nano))
	}
	set(fieldAppName, row[s.columns.AppName])
	set(fieldMessage, row[s.columns.Message])
	set(fieldLevel, row[s.columns.Level])
	set(fieldContext, row[s.columns.Context])
	set(fieldExtra, row[s.columns.Extra])
	return doc, err
}

func (s *SQLSource) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, false
	}
}
