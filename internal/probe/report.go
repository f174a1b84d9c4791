package probe

import (
	"fmt"
	"strings"
)

// Report renders r for humans.
func (r Result) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "table: %s (%s, %s)\n", r.Table, r.Backend, r.Format)
	sampled := fmt.Sprintf("%d records", r.Sampled)
	if r.Truncated {
		sampled += " from a truncated sample"
	}
	fmt.Fprintf(&b, "sampled: %s\n", sampled)

	width := 0
	for _, c := range r.Columns {
		width = max(width, len(c.Name))
	}
	b.WriteString("columns:\n")
	for _, c := range r.Columns {
		fmt.Fprintf(&b, "  %-*s  %s\n", width, c.Name, c.Type)
	}
	fmt.Fprintf(&b, "ddl: %s\n", r.DDL)

	if len(r.Misfits) == 0 {
		b.WriteString("misfits: none")
		return b.String()
	}
	fmt.Fprintf(&b, "misfits: %d\n", len(r.Misfits))
	for _, m := range r.Misfits {
		fmt.Fprintf(&b, "  line %d: %s\n", m.Line, m.Error)
	}
	return strings.TrimRight(b.String(), "\n")
}
