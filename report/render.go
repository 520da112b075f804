package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"
)

// Output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

// Formats lists the supported output formats
var Formats = []string{FormatTable, FormatJSON, FormatCSV}

// Render writes r to w in the given format
func Render(w io.Writer, r *Report, format string) error {
	switch format {
	case FormatTable, "":
		return renderTable(w, r)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatCSV:
		return renderCSV(w, r)
	default:
		return fmt.Errorf("unknown format %q (want one of %v)", format, Formats)
	}
}

func renderTable(w io.Writer, r *Report) error {
	begin := time.UnixMilli(r.Window.BeginMs).UTC().Format(time.RFC3339)
	end := time.UnixMilli(r.Window.EndMs).UTC().Format(time.RFC3339)

	mode := "baseline"
	if r.Strict {
		mode = "strict"
	}
	if _, err := fmt.Fprintf(w, "Attachment report %s → %s (%s)\n\n", begin, end, mode); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tATTACHED TO\tTYPE\tATTACHED\tDETACHES\tUTILIZATION")
	for _, p := range r.Pairs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.1f%%\n",
			p.ResourceID, p.AttachedResourceID, orDash(p.ResourceType),
			FormatDuration(p.AttachedMs), p.Detaches, p.Utilization*100)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%d pairs, %s attached, %d detaches (%d unmatched, %d zero length)\n",
		len(r.Pairs), FormatDuration(r.TotalMs), r.Detaches, r.Unmatched, r.ZeroLength)
	return err
}

func renderCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"resource_id", "attached_resource_id", "resource_type", "attached_ms", "detaches", "utilization"}); err != nil {
		return err
	}
	for _, p := range r.Pairs {
		record := []string{
			p.ResourceID,
			p.AttachedResourceID,
			p.ResourceType,
			strconv.FormatInt(p.AttachedMs, 10),
			strconv.Itoa(p.Detaches),
			strconv.FormatFloat(p.Utilization, 'f', 4, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatDuration renders milliseconds as a rounded Go duration, e.g. "3h25m0s"
func FormatDuration(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	if d >= time.Minute {
		return d.Round(time.Second).String()
	}
	return d.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
