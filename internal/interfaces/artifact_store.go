package interfaces

// ArtifactStore persists the per-stage JSON blobs on shared disk. Writes are
// atomic (temp file then rename) so a crashed worker never leaves a partial
// blob behind; a retry attempt may overwrite the previous attempt's blob.
type ArtifactStore interface {
	// WriteJSON marshals v and writes it under {root}/{dir}/{jobID}.json,
	// returning the absolute path recorded on the job row.
	WriteJSON(dir, jobID string, v any) (string, error)

	// ReadJSON loads a previously written blob into v.
	ReadJSON(path string, v any) error

	// ReadRaw returns a blob verbatim, for endpoints that serve artifacts
	// without reshaping them.
	ReadRaw(path string) ([]byte, error)
}
