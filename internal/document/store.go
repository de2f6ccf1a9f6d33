package document

import "context"

// Store is the narrow contract this core consumes from the document subsystem.
// Upload handling and file persistence live elsewhere; verification only needs
// to resolve documents and move their status.
type Store interface {
	Get(ctx context.Context, id string) (*Document, error)

	// SetVerificationStatus records the outcome of a verification run.
	// results carries the merged sub-system outputs for terminal statuses.
	SetVerificationStatus(ctx context.Context, documentID string, status Status, results map[string]any) error
}
