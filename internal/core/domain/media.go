package domain

import "strings"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// ConsumerType mirrors how the producer's stream is encoded.
type ConsumerType string

const (
	ConsumerSimple    ConsumerType = "simple"
	ConsumerSimulcast ConsumerType = "simulcast"
	ConsumerSVC       ConsumerType = "svc"
)

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability is one entry of a router or endpoint codec set.
type RTPCodecCapability struct {
	Kind                 MediaKind         `json:"kind"`
	MimeType             string            `json:"mimeType"`
	PreferredPayloadType uint8             `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32            `json:"clockRate"`
	Channels             uint16            `json:"channels,omitempty"`
	Parameters           map[string]string `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback    `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind             MediaKind `json:"kind,omitempty"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	Direction        string    `json:"direction,omitempty"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
}

type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

type RTPCodecParameters struct {
	MimeType     string            `json:"mimeType"`
	PayloadType  uint8             `json:"payloadType"`
	ClockRate    uint32            `json:"clockRate"`
	Channels     uint16            `json:"channels,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback    `json:"rtcpFeedback,omitempty"`
}

// Kind derives the media kind from the mime type prefix.
func (c RTPCodecParameters) Kind() MediaKind {
	switch {
	case strings.HasPrefix(strings.ToLower(c.MimeType), "audio/"):
		return KindAudio
	case strings.HasPrefix(strings.ToLower(c.MimeType), "video/"):
		return KindVideo
	}
	return ""
}

type RTPEncodingParameters struct {
	SSRC            uint32 `json:"ssrc,omitempty"`
	RID             string `json:"rid,omitempty"`
	MaxBitrate      uint32 `json:"maxBitrate,omitempty"`
	ScalabilityMode string `json:"scalabilityMode,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp,omitempty"`
}

// IsSimulcast reports whether the sender announced several encodings.
func (p RTPParameters) IsSimulcast() bool {
	return len(p.Encodings) > 1
}

// ConsumerLayers is a (spatial, temporal) preference for simulcast consumers.
type ConsumerLayers struct {
	SpatialLayer  uint8 `json:"spatialLayer"`
	TemporalLayer uint8 `json:"temporalLayer"`
}
