package ingest

import (
	"time"
)

// CanonicalRow is the fixed-length ordered cell vector appended to a
// workbook tab. Cells are strings, int64, decimal strings, or nil for a
// null date.
type CanonicalRow []any

const (
	OrdersRowLength   = 18
	ListingsRowLength = 13
)

const (
	defaultOrderStatus   = "awaiting_shipment"
	defaultListingStatus = "active"
	unknownAccountLabel  = "Unknown Account"
)

// TransformRows maps parsed rows into canonical vectors for the target tab.
// Coercion failures never drop a row; they zero-fill the cell and surface a
// per-cell warning.
func TransformRows(kind ReportKind, rows []ParsedRow, accountLabel string, now time.Time) ([]CanonicalRow, []CellWarning) {
	if accountLabel == "" {
		accountLabel = unknownAccountLabel
	}
	ingestedAt := now.UTC().Format(time.RFC3339)

	out := make([]CanonicalRow, 0, len(rows))
	var warnings []CellWarning
	warn := func(row int, column, message string) {
		if message != "" {
			warnings = append(warnings, CellWarning{Row: row, Column: column, Message: message})
		}
	}

	for i, row := range rows {
		rowNum := i + 2 // header is row 1
		switch kind {
		case ReportListings:
			available, w1 := coerceInteger(row["Available quantity"])
			warn(rowNum, "Available quantity", w1)
			price, w2 := coerceCurrency(row["Current price"])
			warn(rowNum, "Current price", w2)
			sold, w3 := coerceInteger(row["Sold quantity"])
			warn(rowNum, "Sold quantity", w3)
			watchers, w4 := coerceInteger(row["Watchers"])
			warn(rowNum, "Watchers", w4)
			start, w5 := coerceDate(row["Start date"])
			warn(rowNum, "Start date", w5)
			end, w6 := coerceDate(row["End date"])
			warn(rowNum, "End date", w6)
			out = append(out, CanonicalRow{
				row["Item number"],
				row["Title"],
				row["Custom label (SKU)"],
				available,
				price.String(),
				sold,
				watchers,
				dateCell(start),
				dateCell(end),
				row["Condition"],
				defaultListingStatus,
				accountLabel,
				ingestedAt,
			})
		default:
			quantity, w1 := coerceInteger(row["Quantity"])
			warn(rowNum, "Quantity", w1)
			soldFor, w2 := coerceCurrency(row["Sold For"])
			warn(rowNum, "Sold For", w2)
			total, w3 := coerceCurrency(row["Total Price"])
			warn(rowNum, "Total Price", w3)
			saleDate, w4 := coerceDate(row["Sale Date"])
			warn(rowNum, "Sale Date", w4)
			paidDate, w5 := coerceDate(row["Paid On Date"])
			warn(rowNum, "Paid On Date", w5)
			shipBy, w6 := coerceDate(row["Ship By Date"])
			warn(rowNum, "Ship By Date", w6)
			out = append(out, CanonicalRow{
				row["Sales Record Number"],
				row["Order Number"],
				row["Buyer Username"],
				row["Buyer Name"],
				row["Buyer Email"],
				row["Item Number"],
				row["Item Title"],
				row["Custom Label"],
				quantity,
				soldFor.String(),
				total.String(),
				dateCell(saleDate),
				dateCell(paidDate),
				dateCell(shipBy),
				row["Tracking Number"],
				defaultOrderStatus,
				accountLabel,
				ingestedAt,
			})
		}
	}
	return out, warnings
}

func dateCell(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}
