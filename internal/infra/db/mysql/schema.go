package mysql

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scans (
  id                    VARCHAR(64)  NOT NULL PRIMARY KEY,
  patient_id            VARCHAR(64)  NOT NULL,
  scan_type             VARCHAR(32)  NOT NULL,
  body_region           VARCHAR(128) NOT NULL DEFAULT '',
  priority              VARCHAR(16)  NOT NULL,
  status                VARCHAR(16)  NOT NULL,
  image_paths           JSON         NOT NULL,
  notes                 TEXT         NOT NULL,
  processing_started_at DATETIME(6)  NULL,
  created_at            DATETIME(6)  NOT NULL,
  updated_at            DATETIME(6)  NOT NULL,
  KEY idx_scans_status_created (status, created_at),
  KEY idx_scans_patient (patient_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS analyses (
  id            VARCHAR(64) NOT NULL PRIMARY KEY,
  scan_id       VARCHAR(64) NOT NULL,
  image_index   INT         NOT NULL,
  analysis_type VARCHAR(32) NOT NULL,
  status        VARCHAR(16) NOT NULL,
  confidence    DOUBLE      NULL,
  result_json   JSON        NULL,
  started_at    DATETIME(6) NULL,
  completed_at  DATETIME(6) NULL,
  created_at    DATETIME(6) NOT NULL,
  updated_at    DATETIME(6) NOT NULL,
  UNIQUE KEY uq_analyses_scan_image_type (scan_id, image_index, analysis_type),
  CONSTRAINT fk_analyses_scan FOREIGN KEY (scan_id) REFERENCES scans(id) ON DELETE CASCADE,
  CONSTRAINT chk_analyses_confidence CHECK (confidence IS NULL OR (confidence >= 0 AND confidence <= 1))
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS scan_errors (
  id            BIGINT      NOT NULL AUTO_INCREMENT PRIMARY KEY,
  scan_id       VARCHAR(64) NOT NULL,
  analysis_id   VARCHAR(64) NOT NULL DEFAULT '',
  analysis_type VARCHAR(32) NOT NULL DEFAULT '',
  phase         VARCHAR(32) NOT NULL,
  message       TEXT        NOT NULL,
  details_json  JSON        NOT NULL,
  created_at    DATETIME(6) NOT NULL,
  KEY idx_scan_errors_scan (scan_id, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate bikin tabel kalau belum ada
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mysql migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
