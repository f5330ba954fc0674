// Package report renders LTV walk results for people and tools.
package report

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/sign/validation"
)

// Summary is the serializable form of a walk.
type Summary struct {
	Valid     bool              `json:"valid"`
	Error     string            `json:"error,omitempty"`
	Revisions []RevisionSummary `json:"revisions"`
}

// RevisionSummary is the serializable form of one RevisionResult.
type RevisionSummary struct {
	Name       string            `json:"name"`
	SubFilter  string            `json:"subFilter"`
	SignDate   time.Time         `json:"signDate"`
	TimeSource string            `json:"timeSource"`
	Evidence   []EvidenceSummary `json:"evidence"`
}

// EvidenceSummary is one evidence entry.
type EvidenceSummary struct {
	Subject  string `json:"subject"`
	Verifier string `json:"verifier"`
	Message  string `json:"message"`
}

// NewSummary builds a Summary from a walk's results and error.
func NewSummary(results []validation.RevisionResult, err error) *Summary {
	s := &Summary{Valid: err == nil, Revisions: make([]RevisionSummary, 0, len(results))}
	if err != nil {
		s.Error = err.Error()
	}
	for _, r := range results {
		rs := RevisionSummary{
			Name:       r.Name,
			SubFilter:  string(r.SubFilter),
			SignDate:   r.SignDate,
			TimeSource: r.TimeSource.String(),
			Evidence:   make([]EvidenceSummary, 0, len(r.Evidence)),
		}
		for _, e := range r.Evidence {
			rs.Evidence = append(rs.Evidence, EvidenceSummary{
				Subject:  certvalidator.Subject(e.Certificate),
				Verifier: e.Verifier,
				Message:  e.Message,
			})
		}
		s.Revisions = append(s.Revisions, rs)
	}
	return s
}

// ReportFormatter provides different output formats for walk summaries.
type ReportFormatter struct {
	IncludeEvidence bool
	DateFormat      string
}

// NewReportFormatter creates a new report formatter with defaults.
func NewReportFormatter() *ReportFormatter {
	return &ReportFormatter{
		IncludeEvidence: true,
		DateFormat:      time.RFC3339,
	}
}

// FormatAsText formats the summary as plain text.
func (f *ReportFormatter) FormatAsText(s *Summary) string {
	var sb strings.Builder
	if s.Valid {
		sb.WriteString("Result: VALID\n")
	} else {
		sb.WriteString("Result: INVALID\n")
		sb.WriteString("Error: " + s.Error + "\n")
	}
	for i, r := range s.Revisions {
		sb.WriteString(fmt.Sprintf("\nRevision %d: %s (%s)\n", i+1, r.Name, r.SubFilter))
		sb.WriteString(fmt.Sprintf("  Checked at: %s [%s]\n", r.SignDate.Format(f.DateFormat), r.TimeSource))
		if !f.IncludeEvidence {
			continue
		}
		if len(r.Evidence) == 0 {
			sb.WriteString("  Evidence: none\n")
		}
		for _, e := range r.Evidence {
			sb.WriteString(fmt.Sprintf("  - %s: %s (%s)\n", e.Verifier, e.Message, e.Subject))
		}
	}
	return sb.String()
}

// FormatAsMarkdown formats the summary as Markdown.
func (f *ReportFormatter) FormatAsMarkdown(s *Summary) string {
	var sb strings.Builder

	sb.WriteString("# Validation Report\n\n")
	if s.Valid {
		sb.WriteString("**VALID** :white_check_mark:\n\n")
	} else {
		sb.WriteString("**INVALID** :x:\n\n")
		sb.WriteString(fmt.Sprintf("*Error:* %s\n\n", s.Error))
	}

	if len(s.Revisions) > 0 {
		sb.WriteString("| # | Signature | SubFilter | Checked at | Time source | Evidence |\n")
		sb.WriteString("|---|-----------|-----------|------------|-------------|----------|\n")
		for i, r := range s.Revisions {
			sb.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s | %d |\n",
				i+1, r.Name, r.SubFilter, r.SignDate.Format(f.DateFormat), r.TimeSource, len(r.Evidence)))
		}
		sb.WriteString("\n")
	}

	if f.IncludeEvidence {
		for _, r := range s.Revisions {
			if len(r.Evidence) == 0 {
				continue
			}
			sb.WriteString(fmt.Sprintf("### %s\n\n", r.Name))
			for _, e := range r.Evidence {
				sb.WriteString(fmt.Sprintf("- `%s` %s: %s\n", e.Subject, e.Verifier, e.Message))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// WriteTo writes the formatted summary to w. Unknown formats fall back to
// text.
func (f *ReportFormatter) WriteTo(w io.Writer, s *Summary, format string) error {
	var output string
	switch strings.ToLower(format) {
	case "markdown", "md":
		output = f.FormatAsMarkdown(s)
	case "json":
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	default:
		output = f.FormatAsText(s)
	}

	_, err := io.WriteString(w, output)
	return err
}

// ChainVisualizer creates visual representations of certificate chains.
type ChainVisualizer struct {
	ShowDates     bool
	ShowSerialNum bool
	IndentWidth   int
}

// NewChainVisualizer creates a new chain visualizer.
func NewChainVisualizer() *ChainVisualizer {
	return &ChainVisualizer{
		ShowDates:   true,
		IndentWidth: 4,
	}
}

// Visualize renders a leaf-first chain from the root down.
func (v *ChainVisualizer) Visualize(chain []*x509.Certificate) string {
	if len(chain) == 0 {
		return "(empty chain)"
	}

	var sb strings.Builder
	indent := strings.Repeat(" ", v.IndentWidth)

	for depth := 0; depth < len(chain); depth++ {
		cert := chain[len(chain)-1-depth]
		prefix := strings.Repeat(indent, depth)
		switch {
		case depth == len(chain)-1:
			sb.WriteString(prefix + "[Signer]\n")
		case depth == 0:
			sb.WriteString(prefix + "[Root/Issuer]\n")
		default:
			sb.WriteString(prefix + "[Intermediate]\n")
		}

		sb.WriteString(prefix + "  Subject: " + cert.Subject.String() + "\n")
		if cert.Issuer.String() != cert.Subject.String() {
			sb.WriteString(prefix + "  Issuer: " + cert.Issuer.String() + "\n")
		}
		if v.ShowDates {
			sb.WriteString(prefix + fmt.Sprintf("  Valid: %s to %s\n",
				cert.NotBefore.Format("2006-01-02"),
				cert.NotAfter.Format("2006-01-02")))
		}
		if v.ShowSerialNum {
			sb.WriteString(prefix + "  Serial: " + cert.SerialNumber.Text(16) + "\n")
		}
		if cert.IsCA {
			sb.WriteString(prefix + "  [CA]\n")
		}
		if certvalidator.IsSelfSigned(cert) {
			sb.WriteString(prefix + "  [Self-Signed]\n")
		}

		if depth < len(chain)-1 {
			sb.WriteString(prefix + "  |\n")
			sb.WriteString(prefix + "  v\n")
		}
	}

	return sb.String()
}
