package nimble

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy described in spec.md §7. Callers use
// errors.Is/errors.As against these to decide propagation, e.g. "quick-diff
// failures degrade to NeedsFull" or "Cancelled wins over other batch errors".
var (
	// ErrIo marks a filesystem operation failure.
	ErrIo = errors.New("io error")

	// ErrHttp marks a transport or non-2xx HTTP response.
	ErrHttp = errors.New("http error")

	// ErrParse marks a JSON/SRF decode failure.
	ErrParse = errors.New("parse error")

	// ErrLegacyParse marks a legacy-SRF-specific decode failure.
	ErrLegacyParse = errors.New("legacy parse error")

	// ErrInvalidDigest marks a hex length or character violation.
	ErrInvalidDigest = errors.New("invalid digest")

	// ErrScan marks a directory walk failure.
	ErrScan = errors.New("scan error")

	// ErrCancelled marks a user-requested abort.
	ErrCancelled = errors.New("cancelled")

	// ErrCacheCorrupt marks a cache file present but undecodable.
	ErrCacheCorrupt = errors.New("cache corrupt")

	// ErrPartialChecksum marks a failure to extract a digest from a
	// truncated partial-manifest fetch.
	ErrPartialChecksum = errors.New("partial checksum extraction failed")
)

// PartialChecksumKind enumerates the ways partial-manifest digest
// extraction can fail, per spec.md §4.2.
type PartialChecksumKind int

const (
	NoJsonStart PartialChecksumKind = iota
	NoChecksumField
	InvalidLength
	NonHex
	Malformed
)

func (k PartialChecksumKind) String() string {
	switch k {
	case NoJsonStart:
		return "no-json-start"
	case NoChecksumField:
		return "no-checksum-field"
	case InvalidLength:
		return "invalid-length"
	case NonHex:
		return "non-hex"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// PartialChecksumError reports why partial-manifest digest extraction
// failed. It is not fatal at the call site: callers fall back to a full
// manifest fetch.
type PartialChecksumError struct {
	Kind PartialChecksumKind
}

func (e *PartialChecksumError) Error() string {
	return "partial checksum extraction: " + e.Kind.String()
}

func (e *PartialChecksumError) Unwrap() error {
	return ErrPartialChecksum
}

// HttpError carries the URL and status (if any) of a failed HTTP request.
type HttpError struct {
	URL    string
	Status int
	Cause  error
}

func (e *HttpError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("http %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("http %s: %v", e.URL, e.Cause)
}

func (e *HttpError) Unwrap() error {
	return ErrHttp
}

// ScanError reports a directory-walk failure, including a case-conflict
// where two entries fold to the same lowercased path.
type ScanError struct {
	Dir    string
	Reason string
}

func (e *ScanError) Error() string {
	return "scan " + e.Dir + ": " + e.Reason
}

func (e *ScanError) Unwrap() error {
	return ErrScan
}
