package sink

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/drblury/streamsink/internal/runtime/model"
)

// ClickHouseConfig describes the ClickHouse connection used as the
// time-series store.
type ClickHouseConfig struct {
	Addr        []string
	Database    string
	Username    string
	Password    string
	Table       string
	DialTimeout time.Duration
	Compression bool
}

// conn is the slice of driver.Conn the store relies on.
type conn interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Close() error
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ClickHouseStore writes points into a ReplacingMergeTree table keyed by
// (measurement, series, timestamp), so redelivered points collapse into one
// row after merges.
type ClickHouseStore struct {
	conn  conn
	table string

	schemaOnce sync.Once
	schemaErr  error
}

// OpenClickHouse opens a connection pool. No round trip happens until Ping.
func OpenClickHouse(cfg ClickHouseConfig) (*ClickHouseStore, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.Compression {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	c, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	return newClickHouseStore(c, cfg.Table)
}

func newClickHouseStore(c conn, table string) (*ClickHouseStore, error) {
	if table == "" {
		table = "telemetry_points"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", table)
	}
	return &ClickHouseStore{conn: c, table: table}, nil
}

// Ping checks connectivity and creates the table on first success.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return err
	}
	s.schemaOnce.Do(func() {
		s.schemaErr = s.conn.Exec(ctx, s.createTableSQL())
	})
	if s.schemaErr != nil {
		return fmt.Errorf("create table %s: %w", s.table, s.schemaErr)
	}
	return nil
}

func (s *ClickHouseStore) createTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		measurement LowCardinality(String),
		series String,
		tags Map(String, String),
		fields_float Map(String, Float64),
		fields_bool Map(String, Bool),
		fields_string Map(String, String),
		timestamp DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	ORDER BY (measurement, series, timestamp)`
}

func (s *ClickHouseStore) WriteBatch(ctx context.Context, points []model.DataPoint) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, p := range points {
		floats, bools, texts := splitFields(p.Fields)
		if err := batch.Append(p.Measurement, SeriesKey(p), p.Tags, floats, bools, texts, p.Timestamp); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append point %s: %w", p.Measurement, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// QueryRange reads back the points of one measurement in [from, to).
func (s *ClickHouseStore) QueryRange(ctx context.Context, measurement string, from, to time.Time) ([]model.DataPoint, error) {
	rows, err := s.conn.Query(ctx, `SELECT measurement, tags, fields_float, fields_bool, fields_string, timestamp
		FROM `+s.table+` FINAL
		WHERE measurement = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, measurement, from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", measurement, err)
	}
	defer rows.Close()

	var out []model.DataPoint
	for rows.Next() {
		var (
			p      model.DataPoint
			floats map[string]float64
			bools  map[string]bool
			texts  map[string]string
		)
		if err := rows.Scan(&p.Measurement, &p.Tags, &floats, &bools, &texts, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan %s: %w", measurement, err)
		}
		p.Fields = joinFields(floats, bools, texts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func splitFields(fields map[string]model.Value) (map[string]float64, map[string]bool, map[string]string) {
	floats := map[string]float64{}
	bools := map[string]bool{}
	texts := map[string]string{}
	for name, v := range fields {
		switch v.Kind() {
		case model.KindNumber:
			floats[name], _ = v.Number()
		case model.KindBool:
			bools[name], _ = v.Bool()
		case model.KindString:
			texts[name], _ = v.Text()
		}
	}
	return floats, bools, texts
}

func joinFields(floats map[string]float64, bools map[string]bool, texts map[string]string) map[string]model.Value {
	fields := make(map[string]model.Value, len(floats)+len(bools)+len(texts))
	for k, v := range floats {
		fields[k] = model.NumberValue(v)
	}
	for k, v := range bools {
		fields[k] = model.BoolValue(v)
	}
	for k, v := range texts {
		fields[k] = model.StringValue(v)
	}
	return fields
}

// SeriesKey identifies a point's series: its sorted tags plus field names.
func SeriesKey(p model.DataPoint) string {
	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Tags[k])
		b.WriteByte(',')
	}
	fields := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	b.WriteString(strings.Join(fields, "|"))
	return b.String()
}
