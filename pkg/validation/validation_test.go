package validation

import (
	"strings"
	"testing"

	"groupcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "8e7a9c1e-0d4b-4c8e-9a3c-2b7f0d6e1a55", false},
		{"prefixed", "pr_abc123", false},
		{"empty", "", true},
		{"spaces", "room 1", true},
		{"too long", strings.Repeat("a", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id, "room id")
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRTPParameters(t *testing.T) {
	opus := domain.RTPCodecParameters{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2}
	vp8 := domain.RTPCodecParameters{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}

	assert.NoError(t, ValidateRTPParameters(domain.KindAudio, domain.RTPParameters{
		Codecs:    []domain.RTPCodecParameters{opus},
		Encodings: []domain.RTPEncodingParameters{{SSRC: 1111}},
	}))
	assert.NoError(t, ValidateRTPParameters(domain.KindVideo, domain.RTPParameters{
		Codecs:    []domain.RTPCodecParameters{vp8},
		Encodings: []domain.RTPEncodingParameters{{RID: "q"}, {RID: "h"}, {RID: "f"}},
	}))

	err := ValidateRTPParameters(domain.KindVideo, domain.RTPParameters{Codecs: []domain.RTPCodecParameters{opus}})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	assert.Error(t, ValidateRTPParameters(domain.KindAudio, domain.RTPParameters{}))
	assert.Error(t, ValidateRTPParameters(domain.KindVideo, domain.RTPParameters{
		Codecs:    []domain.RTPCodecParameters{vp8},
		Encodings: []domain.RTPEncodingParameters{{RID: "h"}, {RID: "h"}},
	}))
	assert.Error(t, ValidateRTPParameters(domain.KindVideo, domain.RTPParameters{
		Codecs:    []domain.RTPCodecParameters{vp8},
		Encodings: []domain.RTPEncodingParameters{{}},
	}))
}

func TestValidateDTLSParameters(t *testing.T) {
	ok := domain.DTLSParameters{
		Role:         "client",
		Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}
	assert.NoError(t, ValidateDTLSParameters(ok))

	assert.Error(t, ValidateDTLSParameters(domain.DTLSParameters{}))

	bad := ok
	bad.Role = "sideways"
	assert.Error(t, ValidateDTLSParameters(bad))

	bad = ok
	bad.Fingerprints = []domain.DTLSFingerprint{{Algorithm: "md5", Value: "x"}}
	assert.Error(t, ValidateDTLSParameters(bad))
}

func TestValidateMediaKindAndDisplayName(t *testing.T) {
	assert.NoError(t, ValidateMediaKind(domain.KindAudio))
	assert.ErrorIs(t, ValidateMediaKind("data"), domain.ErrInvalidKind)

	assert.NoError(t, ValidateDisplayName(""))
	assert.NoError(t, ValidateDisplayName("Ada"))
	assert.Error(t, ValidateDisplayName(strings.Repeat("x", 101)))
}
