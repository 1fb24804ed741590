package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"groupcall/internal/core/domain"
)

var (
	// IDRegex validates room, user and entity id format
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	fingerprintAlgorithms = map[string]bool{
		"sha-1":   true,
		"sha-224": true,
		"sha-256": true,
		"sha-384": true,
		"sha-512": true,
	}
)

// ValidateID checks an opaque identifier supplied by a client.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("display name is too long (max 100 characters)")
	}
	return nil
}

func ValidateMediaKind(kind domain.MediaKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	return nil
}

// ValidateRTPParameters checks the parameters a client sends with produce.
func ValidateRTPParameters(kind domain.MediaKind, params domain.RTPParameters) error {
	if len(params.Codecs) == 0 {
		return fmt.Errorf("rtpParameters.codecs must not be empty")
	}
	for i, c := range params.Codecs {
		if c.MimeType == "" {
			return fmt.Errorf("rtpParameters.codecs[%d].mimeType is required", i)
		}
		if c.ClockRate == 0 {
			return fmt.Errorf("rtpParameters.codecs[%d].clockRate is required", i)
		}
		if i == 0 && c.Kind() != kind {
			return fmt.Errorf("%w: codec %s does not match kind %s", domain.ErrInvalidKind, c.MimeType, kind)
		}
	}
	rids := map[string]bool{}
	for i, e := range params.Encodings {
		if e.SSRC == 0 && e.RID == "" {
			return fmt.Errorf("rtpParameters.encodings[%d] needs ssrc or rid", i)
		}
		if e.RID != "" {
			if rids[e.RID] {
				return fmt.Errorf("rtpParameters.encodings[%d] duplicates rid %q", i, e.RID)
			}
			rids[e.RID] = true
		}
	}
	return nil
}

func ValidateRTPCapabilities(caps domain.RTPCapabilities) error {
	if len(caps.Codecs) == 0 {
		return fmt.Errorf("rtpCapabilities.codecs must not be empty")
	}
	for i, c := range caps.Codecs {
		if c.MimeType == "" || c.ClockRate == 0 {
			return fmt.Errorf("rtpCapabilities.codecs[%d] needs mimeType and clockRate", i)
		}
	}
	return nil
}

func ValidateDTLSParameters(params domain.DTLSParameters) error {
	if len(params.Fingerprints) == 0 {
		return fmt.Errorf("dtlsParameters.fingerprints must not be empty")
	}
	for i, fp := range params.Fingerprints {
		if !fingerprintAlgorithms[strings.ToLower(fp.Algorithm)] {
			return fmt.Errorf("dtlsParameters.fingerprints[%d] has unsupported algorithm %q", i, fp.Algorithm)
		}
		if fp.Value == "" {
			return fmt.Errorf("dtlsParameters.fingerprints[%d].value is required", i)
		}
	}
	switch params.Role {
	case "", "auto", "client", "server":
	default:
		return fmt.Errorf("dtlsParameters.role %q is invalid", params.Role)
	}
	return nil
}
