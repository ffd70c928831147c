package sdmx

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for dataflow reference parsing.
var (
	ErrDataflowRefEmpty    = errors.New("invalid dataflow reference: empty")
	ErrDataflowRefEmptyID  = errors.New("invalid dataflow reference: empty dataflow id")
	ErrDataflowRefTooLong  = errors.New("invalid dataflow reference: more than three comma-separated parts")
	ErrDataflowRefBadChars = errors.New("invalid dataflow reference: id contains whitespace")
)

const (
	// AgencyWildcard is the SDMX REST wildcard used when a version is pinned
	// but no agency was given.
	AgencyWildcard = "all"

	maxDataflowRefParts = 3
)

// DataflowRef identifies an SDMX dataflow as agency, id and version.
//
// The SDMX REST flowRef syntax accepts one, two or three comma-separated
// parts:
//
//	"101_1015"           → id only
//	"IT1,101_1015"       → agency and id
//	"IT1,101_1015,1.0"   → agency, id and version
//
// Agency and version are optional; the upstream service resolves missing
// parts to the latest available artifact.
type DataflowRef struct {
	Agency  string
	ID      string
	Version string
}

// ParseDataflowRef parses an SDMX flowRef string into its components.
//
// Parts are trimmed of surrounding whitespace. The id part is mandatory and
// must not contain internal whitespace; agency and version may be empty
// ("", "101_1015", "" is a valid three-part form for id-only).
//
// Examples:
//   - ParseDataflowRef("101_1015") → {Agency:"", ID:"101_1015", Version:""}
//   - ParseDataflowRef("IT1,101_1015,1.0") → {Agency:"IT1", ID:"101_1015", Version:"1.0"}
//   - ParseDataflowRef("IT1, 101_1015") → {Agency:"IT1", ID:"101_1015", Version:""}
func ParseDataflowRef(ref string) (DataflowRef, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return DataflowRef{}, ErrDataflowRefEmpty
	}

	parts := strings.Split(trimmed, ",")
	if len(parts) > maxDataflowRefParts {
		return DataflowRef{}, fmt.Errorf("%w: %q", ErrDataflowRefTooLong, ref)
	}

	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}

	var parsed DataflowRef

	switch len(parts) {
	case 1:
		parsed = DataflowRef{ID: parts[0]}
	case 2:
		parsed = DataflowRef{Agency: parts[0], ID: parts[1]}
	default:
		parsed = DataflowRef{Agency: parts[0], ID: parts[1], Version: parts[2]}
	}

	if parsed.ID == "" {
		return DataflowRef{}, fmt.Errorf("%w: %q", ErrDataflowRefEmptyID, ref)
	}

	if strings.ContainsAny(parsed.ID, " \t") {
		return DataflowRef{}, fmt.Errorf("%w: %q", ErrDataflowRefBadChars, ref)
	}

	return parsed, nil
}

// String renders the canonical flowRef form: the shortest representation
// that round-trips through ParseDataflowRef. A pinned version without an
// agency substitutes the SDMX "all" wildcard so the version keeps its slot.
func (r DataflowRef) String() string {
	if r.Version != "" {
		agency := r.Agency
		if agency == "" {
			agency = AgencyWildcard
		}

		return agency + "," + r.ID + "," + r.Version
	}

	if r.Agency != "" {
		return r.Agency + "," + r.ID
	}

	return r.ID
}

// NormalizeDataflowRef trims and validates ref, returning its canonical
// flowRef form. Use it before persisting user-supplied dataset identifiers
// so registrations and upstream requests agree on one spelling.
func NormalizeDataflowRef(ref string) (string, error) {
	parsed, err := ParseDataflowRef(ref)
	if err != nil {
		return "", err
	}

	return parsed.String(), nil
}
