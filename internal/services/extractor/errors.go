package extractor

import "errors"

// Extraction failures the pipeline tells apart. Anything else coming out of
// Extract (navigation failures, timeouts, fetch errors) is transient by
// default.
var (
	// ErrLoginRejected means the platform refused the service account
	// credentials. Retrying cannot help until the account is fixed.
	ErrLoginRejected = errors.New("platform rejected the service account credentials")

	// ErrStructure means an expected page element was missing, usually a
	// half-rendered page or a platform hiccup. Worth another attempt.
	ErrStructure = errors.New("page structure not recognized")
)
