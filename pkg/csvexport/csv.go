// Package csvexport renders mitigations and events as CSV for spreadsheet use.
//
// Fields that a spreadsheet would evaluate as a formula are neutralised with a
// leading apostrophe before quoting.
package csvexport

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hervehildenbrand/prefixd-sync/pkg/models"
)

var formulaRE = regexp.MustCompile(`^[\t\r\n ]*[=+\-@]`)

// EscapeField makes one field safe to embed in a CSV line.
func EscapeField(field string) string {
	if field == "" {
		return ""
	}
	safe := field
	if formulaRE.MatchString(safe) {
		safe = "'" + safe
	}
	if strings.ContainsAny(safe, ",\"\n") {
		return `"` + strings.ReplaceAll(safe, `"`, `""`) + `"`
	}
	return safe
}

// Render joins headers and rows into CSV text. Lines are separated by "\n"
// with no trailing newline.
func Render(headers []string, rows [][]string) string {
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, renderLine(headers))
	for _, row := range rows {
		lines = append(lines, renderLine(row))
	}
	return strings.Join(lines, "\n")
}

func renderLine(fields []string) string {
	escaped := make([]string, len(fields))
	for i, f := range fields {
		escaped[i] = EscapeField(f)
	}
	return strings.Join(escaped, ",")
}

// Write renders to w.
func Write(w io.Writer, headers []string, rows [][]string) error {
	_, err := io.WriteString(w, Render(headers, rows))
	return err
}

// WriteFile renders to path, replacing any existing file.
func WriteFile(path string, headers []string, rows [][]string) error {
	if err := os.WriteFile(path, []byte(Render(headers, rows)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Field formats a nullable value. Nil pointers render empty.
func Field(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case *string:
		if x == nil {
			return ""
		}
		return *x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case *int64:
		if x == nil {
			return ""
		}
		return strconv.FormatInt(*x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case *float64:
		if x == nil {
			return ""
		}
		return strconv.FormatFloat(*x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	case *time.Time:
		if x == nil || x.IsZero() {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// MitigationHeaders are the columns of a mitigation export.
var MitigationHeaders = []string{
	"mitigation_id", "status", "customer_id", "victim_ip", "vector",
	"action_type", "rate_bps", "created_at", "expires_at", "scope_hash",
}

// Mitigations returns the header and rows of a mitigation export.
func Mitigations(ms []models.Mitigation) ([]string, [][]string) {
	rows := make([][]string, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, []string{
			m.ID,
			string(m.Status),
			Field(m.CustomerID),
			m.VictimIP,
			m.Vector,
			m.ActionType,
			Field(m.RateBps),
			Field(m.CreatedAt),
			Field(m.ExpiresAt),
			m.ScopeHash,
		})
	}
	return MitigationHeaders, rows
}

// EventHeaders are the columns of an event export.
var EventHeaders = []string{
	"event_id", "external_event_id", "ingested_at", "source", "victim_ip",
	"vector", "confidence", "outcome",
}

// Events returns the header and rows of an event export.
func Events(es []models.Event) ([]string, [][]string) {
	rows := make([][]string, 0, len(es))
	for _, e := range es {
		rows = append(rows, []string{
			e.ID,
			Field(e.ExternalEventID),
			Field(e.IngestedAt),
			e.Source,
			e.VictimIP,
			e.Vector,
			Field(e.Confidence),
			e.OutcomeLabel(),
		})
	}
	return EventHeaders, rows
}
