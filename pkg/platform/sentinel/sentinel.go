package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so services can translate them into domain
// errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrTerminal: verification already reached a terminal status; the write was
//   refused, not lost
// - ErrConflict: concurrent writer won; retry or give up
// - ErrUnavailable: backing service temporarily unreachable
var (
	ErrNotFound    = errors.New("not found")
	ErrTerminal    = errors.New("already terminal")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
