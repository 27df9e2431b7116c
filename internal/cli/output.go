package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/logrusorgru/aurora"
	"github.com/olekukonko/tablewriter"

	"github.com/anonimadata/anonima-cli/internal/models"
	"github.com/anonimadata/anonima-cli/internal/progress"
	"github.com/anonimadata/anonima-cli/internal/reconcile"
	"github.com/anonimadata/anonima-cli/internal/snapshot"
)

// maxCellWidth truncates long preview cells so tables stay on screen.
const maxCellWidth = 32

// colorsFor enables colors only on a terminal and honours NO_COLOR.
func colorsFor(w io.Writer) aurora.Aurora {
	_, noColor := os.LookupEnv("NO_COLOR")
	return aurora.NewAurora(progress.IsTerminal(w) && !noColor)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	return table
}

// statusText colours a dataset or phase status.
func statusText(au aurora.Aurora, status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case string(models.PhaseAnonymized), "completed":
		return au.Green(status).String()
	case string(models.PhaseError), "failed":
		return au.Red(status).String()
	case string(models.PhaseCancelled):
		return au.BrightBlack(status).String()
	default:
		return au.Yellow(status).String()
	}
}

// renderStats prints the dashboard summary line.
func renderStats(w io.Writer, stats reconcile.Stats) {
	au := colorsFor(w)
	fmt.Fprintf(w, "%s datasets  %s completed  %s rows protected\n",
		au.Bold(humanize.Comma(stats.TotalDatasets)),
		au.Bold(strconv.Itoa(stats.CompletedJobs)),
		au.Bold(humanize.Comma(stats.ProtectedRows)))
}

// renderDatasets prints reconciled dashboard records.
func renderDatasets(w io.Writer, records []models.DatasetRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No datasets yet. Upload one with 'anonima upload <file>'.")
		return
	}
	au := colorsFor(w)
	table := newTable(w, []string{"Job ID", "Name", "Algorithm", "Status", "Rows", "Updated"})
	for _, r := range records {
		updated := "-"
		if r.SortTimestamp != nil {
			updated = humanize.Time(*r.SortTimestamp)
		}
		table.Append([]string{
			r.ID,
			r.DisplayName,
			r.AlgorithmLabel,
			statusText(au, r.Status),
			humanize.Comma(r.RowCount),
			updated,
		})
	}
	table.Render()
}

// renderPreview prints up to limit rows. Without columns, the union of row
// keys is used in sorted order.
func renderPreview(w io.Writer, columns []string, rows []models.Row, limit int) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(no preview rows)")
		return
	}
	if len(columns) == 0 {
		columns = snapshot.RowColumns(rows)
	}
	table := newTable(w, columns)
	for i, row := range rows {
		if limit > 0 && i >= limit {
			break
		}
		cells := make([]string, len(columns))
		for j, col := range columns {
			cells[j] = formatCell(row[col])
		}
		table.Append(cells)
	}
	table.Render()
	if limit > 0 && len(rows) > limit {
		fmt.Fprintf(w, "... %d more rows\n", len(rows)-limit)
	}
}

// renderColumns lists the columns of an analyzed job with their roles.
func renderColumns(w io.Writer, columns []string, roles models.ColumnSelections) {
	au := colorsFor(w)
	table := newTable(w, []string{"#", "Column", "Role"})
	for i, col := range columns {
		role := "-"
		switch r := roles[col]; {
		case r.QuasiIdentifier && r.Sensitive:
			role = au.Magenta("quasi-identifier, sensitive").String()
		case r.QuasiIdentifier:
			role = au.Cyan("quasi-identifier").String()
		case r.Sensitive:
			role = au.Magenta("sensitive").String()
		}
		table.Append([]string{strconv.Itoa(i + 1), col, role})
	}
	table.Render()
}

// renderAlgorithms prints the method catalogue.
func renderAlgorithms(w io.Writer) {
	table := newTable(w, []string{"Method", "Parameter", "Range", "Default", "Description"})
	for _, a := range models.Algorithms() {
		table.Append([]string{a.ID, "", "", "", a.Description})
		for _, p := range a.Params {
			rng := "column name"
			if p.Kind != models.ParamColumn {
				rng = fmt.Sprintf("%s..%s", formatCell(p.Min), formatCell(p.Max))
			}
			def := "-"
			if p.Default != nil {
				def = formatCell(p.Default)
			}
			table.Append([]string{"", p.Name, rng, def, p.Description})
		}
	}
	table.Render()
}

// renderParams prints method parameters in a stable order.
func renderParams(params map[string]any) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + formatCell(params[name])
	}
	return strings.Join(parts, " ")
}

func formatCell(v any) string {
	var s string
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		s = val
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		s = fmt.Sprint(val)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) > maxCellWidth {
		s = string([]rune(s)[:maxCellWidth-1]) + "…"
	}
	return s
}

// splitList parses repeated or comma-separated flag values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// buildSelections turns --quasi and --sensitive into column roles.
func buildSelections(quasi, sensitive []string) models.ColumnSelections {
	sel := make(models.ColumnSelections)
	for _, col := range splitList(quasi) {
		role := sel[col]
		role.QuasiIdentifier = true
		sel[col] = role
	}
	for _, col := range splitList(sensitive) {
		role := sel[col]
		role.Sensitive = true
		sel[col] = role
	}
	return sel
}
