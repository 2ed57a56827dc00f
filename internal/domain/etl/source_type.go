package etl

import "fmt"

// SourceType enumerates the dataset kinds a provider can import.
type SourceType string

const (
	// SourceTypeCVE imports vulnerability records (NVD CVE feed).
	SourceTypeCVE SourceType = "cve"
	// SourceTypeCWE imports the weakness taxonomy.
	SourceTypeCWE SourceType = "cwe"
	// SourceTypeCAPEC imports the attack-pattern catalog.
	SourceTypeCAPEC SourceType = "capec"
	// SourceTypeATTACK imports the adversary technique matrix.
	SourceTypeATTACK SourceType = "attack"
	// SourceTypeEPSS imports exploit-prediction scores.
	SourceTypeEPSS SourceType = "epss"
	// SourceTypeOSV imports the open source vulnerability feed.
	SourceTypeOSV SourceType = "osv"
)

// ParseSourceType validates a string against the closed set of dataset kinds.
func ParseSourceType(s string) (SourceType, error) {
	switch st := SourceType(s); st {
	case SourceTypeCVE, SourceTypeCWE, SourceTypeCAPEC, SourceTypeATTACK, SourceTypeEPSS, SourceTypeOSV:
		return st, nil
	}
	return "", fmt.Errorf("unknown source type: %q", s)
}

// String returns the string representation of the source type.
func (s SourceType) String() string { return string(s) }
