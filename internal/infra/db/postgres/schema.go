package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scans (
  id                    VARCHAR(64)  PRIMARY KEY,
  patient_id            VARCHAR(64)  NOT NULL,
  scan_type             VARCHAR(32)  NOT NULL,
  body_region           VARCHAR(128) NOT NULL DEFAULT '',
  priority              VARCHAR(16)  NOT NULL,
  status                VARCHAR(16)  NOT NULL,
  image_paths           TEXT         NOT NULL DEFAULT '[]',
  notes                 TEXT         NOT NULL DEFAULT '',
  processing_started_at TIMESTAMPTZ  NULL,
  created_at            TIMESTAMPTZ  NOT NULL,
  updated_at            TIMESTAMPTZ  NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_scans_status_created ON scans (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS analyses (
  id            VARCHAR(64) PRIMARY KEY,
  scan_id       VARCHAR(64) NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
  image_index   INTEGER     NOT NULL,
  analysis_type VARCHAR(32) NOT NULL,
  status        VARCHAR(16) NOT NULL,
  confidence    DOUBLE PRECISION NULL CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1)),
  result_json   TEXT        NULL,
  started_at    TIMESTAMPTZ NULL,
  completed_at  TIMESTAMPTZ NULL,
  created_at    TIMESTAMPTZ NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL,
  UNIQUE (scan_id, image_index, analysis_type)
)`,
	`CREATE TABLE IF NOT EXISTS scan_errors (
  id            BIGSERIAL   PRIMARY KEY,
  scan_id       VARCHAR(64) NOT NULL,
  analysis_id   VARCHAR(64) NOT NULL DEFAULT '',
  analysis_type VARCHAR(32) NOT NULL DEFAULT '',
  phase         VARCHAR(32) NOT NULL,
  message       TEXT        NOT NULL,
  details_json  TEXT        NOT NULL DEFAULT '{}',
  created_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_errors_scan ON scan_errors (scan_id, created_at)`,
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
