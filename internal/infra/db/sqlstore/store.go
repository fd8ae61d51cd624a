// Package sqlstore implements the record store on database/sql. Queries are
// written with ? placeholders and rebound for the driver's dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Dialect covers the differences between the supported drivers.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of ?.
	Numbered bool
	// Returning reads generated ids with RETURNING instead of LastInsertId.
	Returning bool
	// IsDuplicate reports a unique key violation.
	IsDuplicate func(error) bool
}

// Store bundles the repositories over one *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, d Dialect) *Store {
	if d.IsDuplicate == nil {
		d.IsDuplicate = func(error) bool { return false }
	}
	return &Store{db: db, dialect: d}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Scans() *ScanRepository           { return &ScanRepository{st: s} }
func (s *Store) Analyses() *AnalysisRepository   { return &AnalysisRepository{st: s} }
func (s *Store) ScanErrors() *ScanErrorRepository { return &ScanErrorRepository{st: s} }

// Ping dipakai health check
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) q(query string) string {
	if s.dialect.Numbered {
		return Rebind(query)
	}
	return query
}

// Rebind rewrites ? placeholders into $1, $2, ... Question marks inside
// single quoted literals are left alone.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// In expands a placeholder list for n values: "?,?,?".
func In(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
