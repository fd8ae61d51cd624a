// Package rules writes recommendation text from findings with a fixed table
// of patterns. It needs no network and is the summarizer used when no LLM is configured.
package rules

import (
	"context"
	"regexp"
	"strings"

	"github.com/bryanwahyu/medscan/internal/domain/inference"
)

var _ inference.Summarizer = (*Summarizer)(nil)

// LowConfidence is the confidence below which a review note is added.
const LowConfidence = 0.5

type detector struct {
	re             *regexp.Regexp
	urgency        int
	recommendation string
}

// urutan menentukan prioritas: urgency tinggi duluan
var detectors = []detector{
	{regexp.MustCompile(`(?i)hemorrhag|bleed|haematoma|hematoma`), 3, "Urgent neurosurgical review for suspected intracranial hemorrhage."},
	{regexp.MustCompile(`(?i)pneumothorax`), 3, "Urgent clinical assessment for pneumothorax; consider chest drain per local protocol."},
	{regexp.MustCompile(`(?i)infarct|ischemi|stroke`), 3, "Activate stroke pathway and correlate with onset time."},
	{regexp.MustCompile(`(?i)fracture`), 2, "Orthopedic consultation and immobilization as clinically indicated."},
	{regexp.MustCompile(`(?i)malignan|carcinoma|tumou?r|mass\b`), 2, "Multidisciplinary review; consider tissue sampling."},
	{regexp.MustCompile(`(?i)birads\s*[45]|bi-rads\s*[45]|suspicious calcification`), 2, "Diagnostic mammography workup and biopsy per BI-RADS category."},
	{regexp.MustCompile(`(?i)nodule|lesion`), 1, "Compare with prior imaging; follow up per nodule size guidelines."},
	{regexp.MustCompile(`(?i)consolidation|opacity|pneumonia|infiltrate`), 1, "Correlate with clinical signs of infection; repeat imaging after treatment."},
	{regexp.MustCompile(`(?i)effusion`), 1, "Assess effusion volume clinically; consider ultrasound-guided sampling."},
	{regexp.MustCompile(`(?i)cardiomegaly|enlarged heart`), 1, "Echocardiography to assess cardiac function."},
	{regexp.MustCompile(`(?i)converted image`), 0, "Synthetic image generated; not for primary diagnosis."},
}

var normal = regexp.MustCompile(`(?i)\b(normal|unremarkable|no acute|no abnormalit|clear)\b`)

type Summarizer struct {
	// MaxItems caps the number of recommendations; zero means 3.
	MaxItems int
}

func New() *Summarizer { return &Summarizer{} }

// Summarize matches the findings against the detector table.
func (s *Summarizer) Summarize(_ context.Context, in inference.SummaryInput) (string, error) {
	limit := s.MaxItems
	if limit <= 0 {
		limit = 3
	}
	findings := strings.TrimSpace(in.Findings)

	var out []string
	seen := map[string]bool{}
	for level := 3; level >= 0 && len(out) < limit; level-- {
		for _, d := range detectors {
			if d.urgency != level || len(out) >= limit {
				continue
			}
			if d.re.MatchString(findings) && !seen[d.recommendation] {
				seen[d.recommendation] = true
				out = append(out, d.recommendation)
			}
		}
	}

	if len(out) == 0 {
		if normal.MatchString(findings) {
			out = append(out, "No acute findings; routine follow-up.")
		} else {
			out = append(out, "Radiologist review of the automated findings is recommended.")
		}
	}
	if in.Confidence == nil || *in.Confidence < LowConfidence {
		out = append(out, "Low or missing model confidence; radiologist confirmation required.")
	}
	return strings.Join(out, " "), nil
}
