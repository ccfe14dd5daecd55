package interfaces

import (
	"context"

	"github.com/ternarybob/explico/internal/models"
)

// ExtractorService pulls the full document dump for an administrative
// process out of the upstream platform. Implementations drive a headless
// browser pool; a single Extract call may take minutes.
type ExtractorService interface {
	// Extract logs in, navigates to the process identified by nup and scope,
	// and returns the raw dump with every visible document body. The dump is
	// opaque to the caller and persisted as-is.
	Extract(ctx context.Context, nup, scope string) (*models.ProcessDump, error)

	// Warmup starts the browser pool so the first job does not pay the
	// cold-start cost. Safe to skip.
	Warmup(ctx context.Context) error

	Close() error
}
