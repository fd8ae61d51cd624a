package prompt

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/medscan/internal/domain/inference"
)

// GetSystemPrompt gives the model its role and the JSON shape to answer with.
func GetSystemPrompt() string {
	return `You are an assistant to a board-certified radiologist. You receive the output of an automated image model and write the recommendation section of a preliminary report. You must produce one valid JSON object only (no markdown, no commentary).

Requirements:
- Do not invent findings that are not in the model output.
- Recommendations are short, actionable, and ordered by urgency.
- When confidence is low or missing, say that radiologist confirmation is required.
- Never give a final diagnosis.

Schema:
{
  "recommendations": "<string>",
  "urgency": "<routine|soon|urgent>"
}`
}

// GetUserPrompt describes the scan and the model findings.
func GetUserPrompt(in inference.SummaryInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Modality: %s\n", in.ScanType)
	if in.BodyRegion != "" {
		fmt.Fprintf(&b, "Body region: %s\n", in.BodyRegion)
	}
	fmt.Fprintf(&b, "Model task: %s\n", in.Task)
	if in.Confidence != nil {
		fmt.Fprintf(&b, "Model confidence: %.2f\n", *in.Confidence)
	} else {
		b.WriteString("Model confidence: not reported\n")
	}
	fmt.Fprintf(&b, "Model findings:\n%s\n", in.Findings)
	b.WriteString("Respond with the JSON per schema.")
	return b.String()
}

// Suggestion is the reply shape asked for by the system prompt.
type Suggestion struct {
	Recommendations string `json:"recommendations"`
	Urgency         string `json:"urgency"`
}
