package suggest

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a certified medical coding auditor. You review de-identified clinical
notes and propose the CPT, HCPCS, and ICD-10 codes the documentation supports.

Tokens such as [NAME_1] or [DATE_2] replace protected health information. Never
try to guess what they stand for.

Respond with a single JSON object and nothing else:
{
  "suggestions": [
    {
      "code": "99214",
      "family": "CPT" | "HCPCS" | "ICD10",
      "description": "short code description",
      "justification": "why the documentation supports this code",
      "confidence": 0.0-1.0,
      "supporting_text": ["verbatim excerpt from the note"]
    }
  ],
  "documentation_gaps": ["missing elements that would support a higher level"],
  "risk_flags": ["compliance or audit risks"],
  "summary": "one paragraph"
}

Include codes that are already billed when the note supports them. Only suggest
a higher-level code when the note documents the required elements.`

// BuildUserPrompt renders the per-encounter part of the prompt.
func BuildUserPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("Billed codes:\n")
	if len(req.BilledCodes) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range req.BilledCodes {
		fmt.Fprintf(&b, "- %s (%s)", c.Code, c.Family)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
	}

	if len(req.Hints) > 0 {
		b.WriteString("\nPre-extracted diagnoses and procedures:\n")
		for _, h := range req.Hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	b.WriteString("\nClinical note:\n<note>\n")
	b.WriteString(req.DeidentifiedText)
	b.WriteString("\n</note>\n")
	return b.String()
}
