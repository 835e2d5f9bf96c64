package errors

import "sort"

// Template defines a registered error type.
type Template struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]Template{
	// ============================================
	// Config Errors (E100-E139)
	// ============================================

	"E100": {
		Category:   CategoryConfig,
		Message:    "Config file not found",
		Detail:     "The configuration file given with --config does not exist.",
		Suggestion: "Check the path, or omit --config to use built-in defaults.",
	},
	"E101": {
		Category:   CategoryConfig,
		Message:    "Unknown store driver",
		Detail:     "The store driver must name a supported document store backend.",
		Suggestion: "Use one of: memory, redis, sql, s3",
	},
	"E102": {
		Category:   CategoryConfig,
		Message:    "Invalid config file",
		Detail:     "The configuration file could not be parsed.",
		Suggestion: "Config files must be JSON (.json) or YAML (.yaml, .yml).",
	},
	"E103": {
		Category: CategoryConfig,
		Message:  "Invalid duration",
		Detail:   "Durations are written as Go duration strings such as \"2s\" or \"30m\".",
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "Negative interval",
		Detail:     "Save, cleanup and timeout intervals must not be negative.",
		Suggestion: "Remove the value to use the default.",
	},
	"E105": {
		Category: CategoryConfig,
		Message:  "Missing store setting",
		Detail:   "The selected store driver needs a setting that was not provided.",
	},
	"E106": {
		Category:   CategoryConfig,
		Message:    "Invalid default document",
		Detail:     "The default document value must be a JSON array of nodes.",
		Suggestion: "Use [] for an empty document.",
	},
	"E107": {
		Category:   CategoryConfig,
		Message:    "Invalid log setting",
		Detail:     "Log level must be debug, info, warn or error. Log format must be text or json.",
		Suggestion: "Use --log-level=info --log-format=text.",
	},
	"E108": {
		Category: CategoryConfig,
		Message:  "Invalid SQL dialect",
		Detail:   "The SQL dialect must be postgres, mysql or sqlite.",
	},

	// ============================================
	// Store Errors (E140-E159)
	// ============================================

	"E140": {
		Category:   CategoryStore,
		Message:    "Store connection failed",
		Detail:     "The document store backend could not be reached.",
		Suggestion: "Check the store address and credentials.",
	},
	"E141": {
		Category:   CategoryStore,
		Message:    "AWS configuration failed",
		Detail:     "The AWS SDK could not load credentials or region for the S3 store.",
		Suggestion: "Set AWS_REGION and credentials, or configure store.s3.region.",
	},
	"E142": {
		Category:   CategoryStore,
		Message:    "Schema setup failed",
		Detail:     "The documents table could not be created.",
		Suggestion: "Check that the database user may create tables, or create it manually.",
	},
	"E143": {
		Category: CategoryStore,
		Message:  "Delete failed",
		Detail:   "The store rejected a document delete.",
	},

	// ============================================
	// CLI Errors (E200-E229)
	// ============================================

	"E200": {
		Category:   CategoryCLI,
		Message:    "Listen failed",
		Detail:     "The server could not listen on the configured address.",
		Suggestion: "Check that the port is free, or choose another with --addr.",
	},
	"E201": {
		Category: CategoryCLI,
		Message:  "Shutdown incomplete",
		Detail:   "The server did not shut down cleanly. Some documents may not have been saved.",
	},
	"E202": {
		Category: CategoryCLI,
		Message:  "Invalid flag value",
	},
	"E203": {
		Category: CategoryCLI,
		Message:  "Command failed",
	},
	"E204": {
		Category:   CategoryCLI,
		Message:    "Unknown error code",
		Suggestion: "Run 'slated explain' to list every code.",
	},
}

// AllCodes returns all registered error codes, sorted.
func AllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}
