package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tealeg/xlsx/v3"

	"github.com/spherical-ai/convertx/internal/domain"
	"github.com/spherical-ai/convertx/internal/formats"
)

const xlsxOptionsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"sheet": {"type": "string", "minLength": 1},
		"header": {"type": "boolean"}
	}
}`

// XLSXEngine exports a worksheet to CSV, Markdown or JSON without LibreOffice.
func XLSXEngine() *Engine {
	return &Engine{
		ID:          "xlsx",
		Name:        "XLSX",
		Description: "Spreadsheet export to CSV, Markdown tables and JSON",
		Conversions: map[string][]string{
			"xlsx": {"csv", "markdown", "json"},
		},
		OptionsSchema: xlsxOptionsSchema,
		Converter:     ConverterFunc(convertXLSX),
	}
}

func convertXLSX(ctx context.Context, req Request) error {
	wb, err := xlsx.OpenFile(req.InputPath)
	if err != nil {
		return domain.ConversionError("failed to open workbook", err)
	}
	if len(wb.Sheets) == 0 {
		return domain.ValidationError("workbook has no sheets", nil)
	}

	sheet := wb.Sheets[0]
	if name, ok := optString(req.Options, "sheet"); ok {
		s, found := wb.Sheet[name]
		if !found {
			return domain.ValidationError(fmt.Sprintf("sheet %q not found", name), nil)
		}
		sheet = s
	}

	rows, err := sheetRows(sheet)
	if err != nil {
		return domain.ConversionError("failed to read sheet", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := os.Create(req.OutputPath)
	if err != nil {
		return domain.IOError("failed to create output file", err)
	}
	defer out.Close()

	switch formats.Normalize(req.To) {
	case "csv":
		w := csv.NewWriter(out)
		if err := w.WriteAll(rows); err != nil {
			return domain.IOError("failed to write csv", err)
		}
	case "markdown":
		if _, err := out.WriteString(markdownTable(rows)); err != nil {
			return domain.IOError("failed to write markdown", err)
		}
	case "json":
		header := true
		if _, set := req.Options["header"]; set {
			header = optBool(req.Options, "header")
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rowsToRecords(rows, header)); err != nil {
			return domain.IOError("failed to write json", err)
		}
	default:
		return domain.UnsupportedConversionError("xlsx", req.From, req.To, nil)
	}

	return out.Close()
}

// sheetRows reads every row as formatted strings, padded to the widest row.
func sheetRows(sheet *xlsx.Sheet) ([][]string, error) {
	var rows [][]string
	width := 0
	err := sheet.ForEachRow(func(r *xlsx.Row) error {
		var row []string
		if err := r.ForEachCell(func(c *xlsx.Cell) error {
			v, err := c.FormattedValue()
			if err != nil {
				v = c.Value
			}
			row = append(row, v)
			return nil
		}); err != nil {
			return err
		}
		if len(row) > width {
			width = len(row)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// drop trailing empty rows
	for len(rows) > 0 && strings.TrimSpace(strings.Join(rows[len(rows)-1], "")) == "" {
		rows = rows[:len(rows)-1]
	}
	for i := range rows {
		for len(rows[i]) < width {
			rows[i] = append(rows[i], "")
		}
	}
	return rows, nil
}

func markdownTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	escape := func(s string) string {
		s = strings.ReplaceAll(s, "|", `\|`)
		return strings.ReplaceAll(s, "\n", "<br>")
	}

	var sb strings.Builder
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, c := range row {
			cells[j] = escape(c)
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			sb.WriteString("|" + strings.Repeat(" --- |", len(row)) + "\n")
		}
	}
	return sb.String()
}

func rowsToRecords(rows [][]string, header bool) any {
	if !header || len(rows) == 0 {
		if rows == nil {
			return [][]string{}
		}
		return rows
	}
	keys := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]string, len(keys))
		for i, k := range keys {
			if k == "" {
				k = fmt.Sprintf("column_%d", i+1)
			}
			rec[k] = row[i]
		}
		records = append(records, rec)
	}
	return records
}
