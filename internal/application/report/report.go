// Package report renders the analyses of a scan as CSV or JSON.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/bryanwahyu/medscan/internal/application"
	"github.com/bryanwahyu/medscan/internal/domain/analysis"
	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/scans"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", apperr.Ef(apperr.KindInvalid, "report.format", "unsupported format %q", s)
	}
}

func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Header is the CSV header row.
var Header = []string{
	"scan_id", "patient_id", "scan_type", "body_region", "scan_status",
	"analysis_id", "image_index", "analysis_type", "analysis_status",
	"confidence", "findings", "recommendations", "started_at", "completed_at",
}

type Generator struct {
	Scans    scans.Repository
	Analyses analysis.Repository
	Clock    application.Clock
}

// Document is the JSON form of a report.
type Document struct {
	Scan        *scans.Scan          `json:"scan"`
	Analyses    []*analysis.Analysis `json:"analyses"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Generate renders every analysis of scanID, one CSV row each.
func (g *Generator) Generate(ctx context.Context, scanID scans.ScanID, format Format) ([]byte, error) {
	scan, err := g.Scans.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	list, err := g.Analyses.ListByScan(ctx, scanID)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatCSV:
		return renderCSV(scan, list)
	case FormatJSON:
		if list == nil {
			list = []*analysis.Analysis{}
		}
		return json.MarshalIndent(Document{Scan: scan, Analyses: list, GeneratedAt: g.now()}, "", "  ")
	default:
		return nil, apperr.Ef(apperr.KindInvalid, "report.generate", "unsupported format %q", format)
	}
}

func renderCSV(scan *scans.Scan, list []*analysis.Analysis) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, a := range list {
		row := []string{
			string(scan.ID), scan.PatientID, string(scan.Type), scan.BodyRegion, string(scan.Status),
			string(a.ID), strconv.Itoa(a.ImageIndex), a.Type, string(a.Status),
			"", "", "", stamp(a.StartedAt), stamp(a.CompletedAt),
		}
		if a.Confidence != nil {
			row[9] = strconv.FormatFloat(*a.Confidence, 'f', 4, 64)
		}
		if a.Result != nil {
			row[10] = a.Result.Findings
			row[11] = a.Result.Recommendations
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func stamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (g *Generator) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now()
}
