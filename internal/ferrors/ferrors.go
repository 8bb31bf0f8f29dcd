// Package ferrors defines the closed set of error kinds the engine
// classifies every failure into (spec §7). Each kind is a sentinel
// usable with errors.Is/errors.As; call sites wrap it with fmt.Errorf's
// %w verb so context survives alongside the classification.
package ferrors

import "errors"

// Kind is one of the error categories spec §7 enumerates.
type Kind string

const (
	KindIoTransient          Kind = "IoTransient"
	KindIoPermanent          Kind = "IoPermanent"
	KindStorageFull          Kind = "StorageFull"
	KindIntegrityFailure     Kind = "IntegrityFailure"
	KindConcurrencyConflict  Kind = "ConcurrencyConflict"
	KindInvalidStateTransition Kind = "InvalidStateTransition"
	KindPathOutsideRoot      Kind = "PathOutsideRoot"
	KindCancelled            Kind = "Cancelled"
	KindUnknown              Kind = "Unknown"
)

// Sentinels, one per Kind, for errors.Is comparisons.
var (
	ErrIoTransient           = errors.New("io transient")
	ErrIoPermanent           = errors.New("io permanent")
	ErrStorageFull           = errors.New("storage full")
	ErrIntegrityFailure      = errors.New("integrity failure")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrPathOutsideRoot       = errors.New("path outside root")
	ErrCancelled             = errors.New("cancelled")
)

var kindSentinel = map[Kind]error{
	KindIoTransient:            ErrIoTransient,
	KindIoPermanent:            ErrIoPermanent,
	KindStorageFull:            ErrStorageFull,
	KindIntegrityFailure:       ErrIntegrityFailure,
	KindConcurrencyConflict:    ErrConcurrencyConflict,
	KindInvalidStateTransition: ErrInvalidStateTransition,
	KindPathOutsideRoot:        ErrPathOutsideRoot,
	KindCancelled:              ErrCancelled,
}

// Classified is an error tagged with a Kind, carrying an underlying cause.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string {
	if c.Err == nil {
		return string(c.Kind)
	}
	return string(c.Kind) + ": " + c.Err.Error()
}

func (c *Classified) Unwrap() error {
	if sentinel, ok := kindSentinel[c.Kind]; ok {
		return sentinel
	}
	return c.Err
}

// New wraps err with the given classification.
func New(kind Kind, err error) *Classified {
	return &Classified{Kind: kind, Err: err}
}

// KindOf extracts the Kind of a classified error, defaulting to
// KindUnknown for anything that was never classified.
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	for k, sentinel := range kindSentinel {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindUnknown
}

// Retryable reports whether a Kind should be retried per spec §7/§4.13.
// KindConcurrencyConflict is retryable but is never subject to the
// per-target attempt cap (spec: retried unlimited times) — callers
// must check that case separately before consulting an attempt count.
func Retryable(k Kind) bool {
	switch k {
	case KindIoTransient, KindStorageFull, KindUnknown, KindConcurrencyConflict:
		return true
	default:
		return false
	}
}

// Quarantines reports whether a Kind routes the job to quarantine
// rather than a per-target retry or permanent failure (I5).
func Quarantines(k Kind) bool {
	return k == KindIntegrityFailure
}
