package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExportFormat selects the serialization for an audit export.
type ExportFormat string

const (
	FormatJSON   ExportFormat = "json"
	FormatCSV    ExportFormat = "csv"
	FormatXML    ExportFormat = "xml"
	FormatSyslog ExportFormat = "syslog"
)

// ParseExportFormat maps a query parameter to a format.
func ParseExportFormat(s string) (ExportFormat, bool) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, true
	case "csv":
		return FormatCSV, true
	case "xml":
		return FormatXML, true
	case "syslog":
		return FormatSyslog, true
	default:
		return FormatJSON, false
	}
}

// ContentType returns the HTTP content type for the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXML:
		return "application/xml"
	case FormatSyslog:
		return "text/plain"
	default:
		return "application/json"
	}
}

// Export serializes entries in the requested format. Pure formatting;
// signatures are carried through untouched.
func Export(entries []*Entry, format ExportFormat) ([]byte, error) {
	switch format {
	case FormatJSON:
		return exportJSON(entries)
	case FormatCSV:
		return exportCSV(entries)
	case FormatXML:
		return exportXML(entries)
	case FormatSyslog:
		return exportSyslog(entries), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

func exportJSON(entries []*Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

var csvHeader = []string{
	"id", "timestamp", "user_id", "ip_address", "action", "resource",
	"resource_id", "outcome", "severity", "category", "risk_score",
	"compliance_flags", "correlation_id", "signature",
}

func exportCSV(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("writing CSV header: %w", err)
	}
	for _, e := range entries {
		flags := make([]string, len(e.ComplianceFlags))
		for i, f := range e.ComplianceFlags {
			flags[i] = string(f)
		}
		record := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.UserID,
			e.IPAddress,
			e.Action,
			e.Resource,
			e.ResourceID,
			string(e.Outcome),
			e.Severity.String(),
			string(e.Category),
			strconv.Itoa(e.RiskScore),
			strings.Join(flags, "|"),
			e.CorrelationID,
			e.Signature,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("writing CSV record for %s: %w", e.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing CSV: %w", err)
	}
	return buf.Bytes(), nil
}

type xmlEntry struct {
	XMLName       xml.Name `xml:"entry"`
	ID            string   `xml:"id"`
	Timestamp     string   `xml:"timestamp"`
	UserID        string   `xml:"userId,omitempty"`
	IPAddress     string   `xml:"ipAddress,omitempty"`
	Action        string   `xml:"action"`
	Resource      string   `xml:"resource"`
	ResourceID    string   `xml:"resourceId,omitempty"`
	Outcome       string   `xml:"outcome"`
	Severity      string   `xml:"severity"`
	Category      string   `xml:"category"`
	RiskScore     int      `xml:"riskScore"`
	Flags         []string `xml:"complianceFlags>flag"`
	CorrelationID string   `xml:"correlationId,omitempty"`
	Signature     string   `xml:"signature"`
}

type xmlTrail struct {
	XMLName xml.Name   `xml:"auditTrail"`
	Entries []xmlEntry `xml:"entry"`
}

func exportXML(entries []*Entry) ([]byte, error) {
	trail := xmlTrail{Entries: make([]xmlEntry, 0, len(entries))}
	for _, e := range entries {
		flags := make([]string, len(e.ComplianceFlags))
		for i, f := range e.ComplianceFlags {
			flags[i] = string(f)
		}
		trail.Entries = append(trail.Entries, xmlEntry{
			ID:            e.ID,
			Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
			UserID:        e.UserID,
			IPAddress:     e.IPAddress,
			Action:        e.Action,
			Resource:      e.Resource,
			ResourceID:    e.ResourceID,
			Outcome:       string(e.Outcome),
			Severity:      e.Severity.String(),
			Category:      string(e.Category),
			RiskScore:     e.RiskScore,
			Flags:         flags,
			CorrelationID: e.CorrelationID,
			Signature:     e.Signature,
		})
	}
	data, err := xml.MarshalIndent(trail, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding XML: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// syslog severity: audit severities map onto the 0..7 syslog scale,
// facility 13 (log audit).
func syslogPriority(e *Entry) int {
	const facility = 13
	sev := 6 // informational
	switch e.Severity.String() {
	case "CRITICAL":
		sev = 2
	case "HIGH":
		sev = 3
	case "MEDIUM":
		sev = 4
	}
	return facility*8 + sev
}

func exportSyslog(entries []*Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "<%d>%s sentinel audit: id=%s user=%s ip=%s action=%s resource=%s outcome=%s risk=%d\n",
			syslogPriority(e),
			e.Timestamp.UTC().Format("Jan _2 15:04:05"),
			e.ID, e.UserID, e.IPAddress, e.Action, e.Resource, e.Outcome, e.RiskScore,
		)
	}
	return buf.Bytes()
}
