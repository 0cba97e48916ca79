// Package errors - telemetry hook (optional)
package errors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	reporterMu              sync.RWMutex
	globalTelemetryReporter TelemetryReporter
)

// SetTelemetryReporter sets the global telemetry reporter. Passing nil disables
// reporting and restores the fast build path.
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	globalTelemetryReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return globalTelemetryReporter
}

// reportToTelemetry reports an error to the configured telemetry system
func reportToTelemetry(ee *EnhancedError) {
	reporter := GetTelemetryReporter()
	if reporter == nil || !reporter.IsEnabled() || ee.IsReported() {
		return
	}
	if !shouldReport(ee.Category) {
		return
	}
	reporter.ReportError(ee)
	ee.MarkReported()
}

// shouldReport filters out categories that are expected during normal
// operation and would only add noise upstream.
func shouldReport(category ErrorCategory) bool {
	switch category {
	case CategoryMalformedEvent, CategoryAnomalousTransition, CategoryAlreadyPending,
		CategoryValidation, CategoryCancellation:
		return false
	default:
		return true
	}
}

// GenerateErrorTitle creates a meaningful title for grouping on the telemetry side
func GenerateErrorTitle(ee *EnhancedError) string {
	var titleParts []string

	if component := ee.GetComponent(); component != "" && component != ComponentUnknown {
		titleParts = append(titleParts, titleCase(component))
	}

	if categoryTitle := formatCategoryForTitle(ee.Category); categoryTitle != "" {
		titleParts = append(titleParts, categoryTitle)
	}

	if operation, ok := ee.GetContext()["operation"].(string); ok && operation != "" {
		titleParts = append(titleParts, formatOperationForTitle(operation))
	}

	if len(titleParts) == 0 {
		return fmt.Sprintf("%T", ee.Err)
	}

	return strings.Join(titleParts, " ")
}

// formatCategoryForTitle converts error categories to human-readable titles
func formatCategoryForTitle(category ErrorCategory) string {
	switch category {
	case CategoryValidation:
		return "Validation Error"
	case CategoryNetwork:
		return "Network Error"
	case CategoryHTTP:
		return "HTTP Error"
	case CategoryConfiguration:
		return "Configuration Error"
	case CategoryTransport:
		return "Push Transport Error"
	case CategoryCommandFailed:
		return "Blackout Command Failed"
	case CategoryReconcile:
		return "Reconciliation Error"
	case CategoryNotification:
		return "Notification Error"
	case CategoryTimeout:
		return "Timeout"
	case "":
		return ""
	default:
		return string(category)
	}
}

// formatOperationForTitle converts operation context to human-readable format
func formatOperationForTitle(operation string) string {
	words := strings.Fields(strings.ReplaceAll(operation, "_", " "))
	for i, word := range words {
		words[i] = titleCase(word)
	}
	return strings.Join(words, " ")
}

// titleCase capitalizes the first letter of each word. A Caser is stateful,
// so one is made per call.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

// Severity maps a category to a coarse severity understood by telemetry backends.
func Severity(category ErrorCategory) string {
	switch category {
	case CategoryNetwork, CategoryTransport, CategoryHTTP, CategoryTimeout, CategoryReconcile, CategoryNotification:
		return "warning"
	default:
		return "error"
	}
}

// PrivacyScrubber is a function type for privacy scrubbing
type PrivacyScrubber func(string) string

var globalPrivacyScrubber PrivacyScrubber

// SetPrivacyScrubber sets the global privacy scrubbing function
func SetPrivacyScrubber(scrubber PrivacyScrubber) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	globalPrivacyScrubber = scrubber
}

// ScrubMessage applies privacy protection to error messages
func ScrubMessage(message string) string {
	reporterMu.RLock()
	scrubber := globalPrivacyScrubber
	reporterMu.RUnlock()

	if scrubber != nil {
		return scrubber(message)
	}
	return basicURLScrub(message)
}

var (
	urlQueryRegex   = regexp.MustCompile(`((?:https?|wss?)://[^?\s]+)\?\S*`)
	queryParamRegex = regexp.MustCompile(`[?&]([^=\s]+)=([^&\s]+)`)
	apiKeyRegex     = regexp.MustCompile(`(?i)(api[_-]?key|token|auth|password)[=:]\S+`)
	longHexRegex    = regexp.MustCompile(`[0-9a-fA-F]{32,}`)
	clientIDRegex   = regexp.MustCompile(`(?i)client[_-]?id[=:]\S+`)
)

// basicURLScrub provides basic URL anonymization as fallback
func basicURLScrub(message string) string {
	scrubbed := urlQueryRegex.ReplaceAllString(message, "$1?[REDACTED]")
	scrubbed = clientIDRegex.ReplaceAllString(scrubbed, "[CLIENT_ID_REDACTED]")
	scrubbed = apiKeyRegex.ReplaceAllString(scrubbed, "[API_KEY_REDACTED]")
	scrubbed = queryParamRegex.ReplaceAllString(scrubbed, "?[REDACTED]")
	return longHexRegex.ReplaceAllString(scrubbed, "[REDACTED]")
}
