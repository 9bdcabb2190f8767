package entitlement

import (
	"strings"
	"time"
)

const (
	watermarkSeparator  = " • "
	watermarkTimeLayout = "2006-01-02 15:04:05"
)

// WatermarkText renders the overlay burned into delivered media: "label • ip • YYYY-MM-DD HH:MM:SS" in UTC.
// Empty parts are skipped.
func WatermarkText(label string, clientIP string, at time.Time) string {
	parts := make([]string, 0, 3)
	for _, part := range []string{strings.TrimSpace(label), strings.TrimSpace(clientIP)} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	parts = append(parts, at.UTC().Format(watermarkTimeLayout))
	return strings.Join(parts, watermarkSeparator)
}
