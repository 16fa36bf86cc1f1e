package ingest

import (
	"regexp"
	"strings"
	"time"
)

type ReportKind string

const (
	ReportOrders   ReportKind = "orders"
	ReportListings ReportKind = "listings"
)

type RawReport struct {
	Kind           ReportKind `json:"reportKind"`
	AccountID      string     `json:"accountId"`
	RawBytes       []byte     `json:"-"`
	DetectedAt     time.Time  `json:"detectedAt"`
	SourceFilename string     `json:"sourceFilename"`
}

// Filename patterns produced by the marketplace export UI.
var reportFilenamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^ebay-.*-report.*\.csv$`),
	regexp.MustCompile(`(?i)^ebay-awaiting-shipment.*\.csv$`),
	regexp.MustCompile(`(?i)^ebay-all-active-listings.*\.csv$`),
	regexp.MustCompile(`(?i)^ebay-sold-listings.*\.csv$`),
}

// ClassifyReportFilename reports whether a downloaded filename is a
// marketplace report and, if so, which kind. Listing exports carry
// "listing" in the name; everything else the exporter produces is an
// order-shaped report.
func ClassifyReportFilename(name string) (ReportKind, bool) {
	name = strings.TrimSpace(name)
	matched := false
	for _, p := range reportFilenamePatterns {
		if p.MatchString(name) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	if strings.Contains(strings.ToLower(name), "listing") {
		return ReportListings, true
	}
	return ReportOrders, true
}

// Declared input header rows, in export order.
var reportHeaders = map[ReportKind][]string{
	ReportOrders: {
		"Sales Record Number",
		"Order Number",
		"Buyer Username",
		"Buyer Name",
		"Buyer Email",
		"Item Number",
		"Item Title",
		"Custom Label",
		"Quantity",
		"Sold For",
		"Total Price",
		"Sale Date",
		"Paid On Date",
		"Ship By Date",
		"Tracking Number",
	},
	ReportListings: {
		"Item number",
		"Title",
		"Custom label (SKU)",
		"Available quantity",
		"Current price",
		"Sold quantity",
		"Watchers",
		"Start date",
		"End date",
		"Condition",
	},
}

func DeclaredHeaders(kind ReportKind) []string {
	return append([]string(nil), reportHeaders[kind]...)
}

const (
	TabOrders   = "Orders"
	TabListings = "Listings"
	TabMessages = "Messages"
)

// Header rows written when a workbook tab is first created.
var tabHeaderRows = map[string][]string{
	TabOrders: {
		"Timestamp", "Order ID", "Buyer", "Total", "Status", "Items",
		"Ship Address", "Tracking", "Ship Date", "Order Date", "Payment Status",
	},
	TabListings: {
		"Timestamp", "Item ID", "Title", "Price", "Quantity", "Quantity Sold",
		"Views", "Watchers", "Status", "Category", "Condition", "Start Date", "End Date",
	},
	TabMessages: {
		"Timestamp", "Sender", "Subject", "Content", "Message Date",
		"Read Status", "Message Type", "Related Item ID", "Related Order ID", "Priority",
	},
}

func TabForKind(kind ReportKind) string {
	if kind == ReportListings {
		return TabListings
	}
	return TabOrders
}

func RequiredTabs() []string {
	return []string{TabOrders, TabListings, TabMessages}
}

func TabHeaderRow(tab string) []string {
	return append([]string(nil), tabHeaderRows[tab]...)
}
