package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Dialect: the marketplace export never quotes fields, so a comma is always
// a separator. An embedded comma in a title shifts the column count and the
// row fails with schema-mismatch rather than silently misaligning cells.

type ParsedRow map[string]string

type CellWarning struct {
	Row     int    `json:"row"`
	Column  string `json:"column"`
	Message string `json:"message"`
}

type ParseResult struct {
	Kind     ReportKind    `json:"kind"`
	Headers  []string      `json:"headers"`
	Rows     []ParsedRow   `json:"rows"`
	Warnings []CellWarning `json:"warnings,omitempty"`
}

// ParseReport parses an export blob into one ParsedRow per data row.
// Missing declared headers fail with unknown-schema; a data row whose column
// count differs from the header row fails with schema-mismatch. Extra
// headers are retained and passed through.
func ParseReport(kind ReportKind, data []byte) (*ParseResult, error) {
	decoded, _, err := decodeReportBytes(data)
	if err != nil {
		return nil, pipelineErrorf(KindUnknownSchema, "undecodable report bytes: %v", err)
	}
	lines := splitReportLines(string(decoded))
	if len(lines) == 0 {
		return nil, pipelineErrorf(KindUnknownSchema, "empty file: no header row")
	}

	headers := splitCells(lines[0])
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}
	if err := verifyHeaders(kind, headers); err != nil {
		return nil, err
	}

	result := &ParseResult{Kind: kind, Headers: headers}
	for i, line := range lines[1:] {
		cells := splitCells(line)
		if len(cells) != len(headers) {
			return nil, pipelineErrorf(KindSchemaMismatch,
				"row %d has %d columns, header has %d", i+2, len(cells), len(headers))
		}
		row := make(ParsedRow, len(headers))
		for j, h := range headers {
			row[h] = strings.TrimSpace(cells[j])
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// splitReportLines splits on LF or CRLF, never on bare CR unless the blob
// contains no line feeds at all. Blank lines are skipped.
func splitReportLines(text string) []string {
	var raw []string
	if !strings.Contains(text, "\n") && strings.Contains(text, "\r") {
		raw = strings.Split(text, "\r")
	} else {
		raw = strings.Split(text, "\n")
	}
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func splitCells(line string) []string {
	return strings.Split(line, ",")
}

func verifyHeaders(kind ReportKind, headers []string) error {
	declared := reportHeaders[kind]
	if len(declared) == 0 {
		return pipelineErrorf(KindUnknownSchema, "unsupported report kind %q", kind)
	}
	seen := map[string]int{}
	for _, h := range headers {
		seen[h]++
	}
	for _, want := range declared {
		switch seen[want] {
		case 1:
		case 0:
			return pipelineErrorf(KindUnknownSchema, "missing header %q", want)
		default:
			return pipelineErrorf(KindUnknownSchema, "header %q appears %d times", want, seen[want])
		}
	}
	return nil
}

var currencySymbols = strings.NewReplacer("$", "", "£", "", "€", "", ",", "", " ", "")

// coerceCurrency strips the leading currency symbol and thousand separators
// and parses the remainder as a decimal. Empty and unparseable cells coerce
// to zero; unparseable cells also report a warning.
func coerceCurrency(raw string) (decimal.Decimal, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ""
	}
	cleaned := currencySymbols.Replace(raw)
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Sprintf("unparseable currency %q", raw)
	}
	return value, ""
}

func coerceInteger(raw string) (int64, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ""
	}
	var digits strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if r == '-' && i == 0 {
			digits.WriteRune(r)
		}
	}
	cleaned := digits.String()
	if cleaned == "" || cleaned == "-" {
		return 0, fmt.Sprintf("unparseable integer %q", raw)
	}
	value, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Sprintf("unparseable integer %q", raw)
	}
	return value.IntPart(), ""
}

var dateLayouts = []string{
	"Jan-02-06",
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// coerceDate accepts the exporter's compact Mmm-DD-YY form and ISO variants.
// Unparseable dates coerce to nil with a warning, never to an error.
func coerceDate(raw string) (*time.Time, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ""
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			parsed = parsed.UTC()
			// Compact-form years are offset by 2000, not windowed.
			if layout == "Jan-02-06" && parsed.Year() < 2000 {
				parsed = parsed.AddDate(100, 0, 0)
			}
			return &parsed, ""
		}
	}
	return nil, fmt.Sprintf("unparseable date %q", raw)
}
