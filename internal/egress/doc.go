// Package egress holds the value types, error taxonomy and small interfaces
// shared by the outbound fetch layer: the uniform response handed back to
// callers, per-request transport configuration, and the sentinel errors that
// callers match with errors.Is.
package egress
