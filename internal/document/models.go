package document

import "time"

// Status summarizes the latest verification outcome for a document.
type Status string

const (
	StatusUnverified Status = "UNVERIFIED"
	StatusPending    Status = "PENDING"
	StatusVerified   Status = "VERIFIED"
	StatusRejected   Status = "REJECTED"
	StatusRevoked    Status = "REVOKED"
)

// Document identifies a file under verification. The upload pipeline creates
// these; this core only reads them and moves their verification status.
type Document struct {
	ID        string
	Hash      string
	FilePath  string
	MimeType  string
	Size      int64
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}
