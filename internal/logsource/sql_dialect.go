package logsource

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
)

type ConnectionConfig struct {
	Type     string // mysql | postgres | mssql
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// dialect captures what differs between the supported SQL log stores.
type dialect struct {
	name        string
	driver      string
	listTables  string
	quote       func(string) string
	maxSegments int
	placeholder func(n int) string
	limit       func(placeholder string) string
}

var (
	mysqlDialect = dialect{
		name:        "mysql",
		driver:      "mysql",
		listTables:  "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'",
		quote:       func(s string) string { return "`" + s + "`" },
		maxSegments: 2,
		placeholder: func(int) string { return "?" },
		limit:       func(p string) string { return "LIMIT " + p },
	}
	postgresDialect = dialect{
		name:        "postgres",
		driver:      "postgres",
		listTables:  "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'",
		quote:       func(s string) string { return "\"" + s + "\"" },
		maxSegments: 2,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		limit:       func(p string) string { return "LIMIT " + p },
	}
	mssqlDialect = dialect{
		name:        "mssql",
		driver:      "sqlserver",
		listTables:  "SELECT TABLE_SCHEMA + '.' + TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_CATALOG = DB_NAME()",
		quote:       func(s string) string { return "[" + s + "]" },
		maxSegments: 2,
		placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		limit:       func(p string) string { return "OFFSET 0 ROWS FETCH NEXT " + p + " ROWS ONLY" },
	}
)

func dialectFor(dbType string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "":
		return dialect{}, errors.New("connection type is required")
	case "mysql":
		return mysqlDialect, nil
	case "postgres", "postgresql":
		return postgresDialect, nil
	case "mssql", "sqlserver":
		return mssqlDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database type %q", dbType)
	}
}

func (d dialect) dsn(cfg ConnectionConfig) string {
	sslMode := strings.ToLower(strings.TrimSpace(cfg.SSLMode))
	switch d.name {
	case "mysql":
		if cfg.Port == 0 {
			cfg.Port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		if sslMode == "disable" {
			dsn += "&tls=false"
		} else if sslMode != "" {
			dsn += "&tls=true"
		}
		return dsn
	case "mssql":
		if cfg.Port == 0 {
			cfg.Port = 1433
		}
		encrypt := "true"
		if sslMode == "disable" {
			encrypt = "disable"
		}
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s", url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password), cfg.Host, cfg.Port, url.QueryEscape(cfg.Database), encrypt)
	default:
		if cfg.Port == 0 {
			cfg.Port = 5432
		}
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
	}
}

func (d dialect) quoteTable(table string) (string, error) {
	quoted, _, err := quoteQualified(table, d.maxSegments, d.quote)
	if err != nil {
		return "", fmt.Errorf("invalid %s table: %w", d.name, err)
	}
	return quoted, nil
}

func (d dialect) quoteColumn(column string) (string, error) {
	parts, err := splitIdentifier(column)
	if err != nil || len(parts) != 1 {
		return "", fmt.Errorf("invalid column name %q", column)
	}
	return d.quote(column), nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$@]*$`)

func splitIdentifier(ident string) ([]string, error) {
	trimmed := strings.TrimSpace(ident)
	if trimmed == "" {
		return nil, errors.New("identifier is empty")
	}
	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("identifier contains empty segment")
		}
		if !identPattern.MatchString(part) {
			return nil, fmt.Errorf("identifier segment %q is invalid", part)
		}
	}
	return parts, nil
}

func quoteQualified(ident string, maxSegments int, quote func(string) string) (string, []string, error) {
	parts, err := splitIdentifier(ident)
	if err != nil {
		return "", nil, err
	}
	if maxSegments > 0 && len(parts) > maxSegments {
		return "", nil, fmt.Errorf("identifier %q has too many segments", ident)
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = quote(part)
	}
	return strings.Join(quoted, "."), parts, nil
}

func scanRowsToMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	results := make([]map[string]any, 0)
	for rows.Next() {
		values := make([]any, len(cols))
		for i := range values {
			var v any
			values[i] = &v
		}
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := *(values[i].(*any))
			row[col] = normalizeValue(v)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	default:
		return t
	}
}
