// Package id defines the job identifier generator seam.
package id

// Generator mints request-scoped job identifiers.
type Generator interface {
	NewID() (string, error)
}
