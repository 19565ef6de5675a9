package actions

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxAccessionAttempts bounds how often a caller regenerates an accession
// number after ErrAlreadyExists.
const MaxAccessionAttempts = 5

var accessionPattern = regexp.MustCompile(`^ACC[0-9]{8}[A-F0-9]{4}$`)

// GenerateAccession returns "ACC" + YYYYMMDD (UTC) + four random upper-case
// hex digits. The result fits a DICOM Short String (16 chars).
func GenerateAccession(now time.Time) string {
	id := uuid.New()
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:4])
	return "ACC" + now.UTC().Format("20060102") + suffix
}

// ValidAccession reports whether s is a well-formed accession number.
func ValidAccession(s string) bool {
	return accessionPattern.MatchString(s)
}
