package interfaces

import (
	"context"

	"github.com/ternarybob/explico/internal/models"
)

// IntakeService is the admission path for detail requests: dedup against
// in-flight work, cache short-circuit, priority escalation, row insert and
// queue publication.
type IntakeService interface {
	// Admit runs the full admission decision for a validated request and
	// returns what the caller should be told: a fresh job, a coalesced join
	// onto an in-flight job, or a cache hit.
	Admit(ctx context.Context, req *models.EnqueueRequest) (*models.EnqueueResponse, error)

	// CacheLookup reports whether a fresh result exists for the nup/scope
	// pair without enqueuing anything.
	CacheLookup(ctx context.Context, nup, scope string) (*models.CacheLookup, error)
}
