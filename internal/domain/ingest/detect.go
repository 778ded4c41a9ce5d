package ingest

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
)

// Detect determines the format of content. The filename extension decides
// first; JSON files are further split into HL7 documents and generic JSON
// by their keys. Without a known extension the content is sniffed.
// FormatNone is returned when nothing matches.
func Detect(content, filename string) Format {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(filename))) {
	case ".hl7", ".cda", ".xml":
		return FormatHL7
	case ".csv", ".tsv":
		return FormatCSV
	case ".htm", ".html":
		return FormatHTML
	case ".json":
		if looksLikeHL7(content) {
			return FormatHL7
		}
		return FormatJSON
	}
	return sniff(content)
}

// ValidateSize reports whether content fits within maxSize bytes. A
// non-positive maxSize disables the check.
func ValidateSize(content string, maxSize int64) bool {
	return maxSize <= 0 || int64(len(content)) <= maxSize
}

func sniff(content string) Format {
	trimmed := strings.TrimSpace(strings.TrimPrefix(content, "\ufeff"))
	if trimmed == "" {
		return FormatNone
	}
	lower := strings.ToLower(head(trimmed, 512))
	switch {
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		if !json.Valid([]byte(trimmed)) {
			return FormatNone
		}
		if looksLikeHL7(trimmed) {
			return FormatHL7
		}
		return FormatJSON
	case strings.HasPrefix(lower, "<?xml"):
		return FormatHL7
	case strings.HasPrefix(lower, "<!doctype html"), strings.Contains(lower, "<html"), strings.Contains(lower, "<form"):
		return FormatHTML
	}
	firstLine := trimmed
	if i := strings.IndexAny(trimmed, "\r\n"); i >= 0 {
		firstLine = trimmed[:i]
	}
	if strings.ContainsAny(firstLine, ",;\t|") {
		return FormatCSV
	}
	return FormatNone
}

// looksLikeHL7 reports whether content is a JSON object carrying an HL7
// marker: resourceType, cda, or type together with section.
func looksLikeHL7(content string) bool {
	trimmed := bytes.TrimSpace([]byte(content))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return false
	}
	if _, ok := doc["resourceType"]; ok {
		return true
	}
	if _, ok := doc["cda"]; ok {
		return true
	}
	_, hasType := doc["type"]
	_, hasSection := doc["section"]
	return hasType && hasSection
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
