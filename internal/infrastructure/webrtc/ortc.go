package webrtc

import (
	"strconv"
	"strings"

	"groupcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// mediaCodec returns the first codec that carries media, skipping
// retransmission and FEC entries.
func mediaCodec(params domain.RTPParameters) (domain.RTPCodecParameters, bool) {
	for _, c := range params.Codecs {
		mime := strings.ToLower(c.MimeType)
		if strings.HasSuffix(mime, "/rtx") || strings.HasSuffix(mime, "/red") || strings.HasSuffix(mime, "/ulpfec") {
			continue
		}
		return c, true
	}
	return domain.RTPCodecParameters{}, false
}

// matchCodec finds the capability that can carry codec: same mime type,
// clock rate and, for audio, channel count.
func matchCodec(caps []domain.RTPCodecCapability, codec domain.RTPCodecParameters) (domain.RTPCodecCapability, bool) {
	for _, c := range caps {
		if !strings.EqualFold(c.MimeType, codec.MimeType) || c.ClockRate != codec.ClockRate {
			continue
		}
		if codec.Kind() == domain.KindAudio && channels(c.Channels) != channels(codec.Channels) {
			continue
		}
		return c, true
	}
	return domain.RTPCodecCapability{}, false
}

func channels(n uint16) uint16 {
	if n == 0 {
		return 1
	}
	return n
}

// canConsume reports whether an endpoint with caps can receive a stream
// sent with the producer's parameters.
func canConsume(producer domain.RTPParameters, caps domain.RTPCapabilities) bool {
	codec, ok := mediaCodec(producer)
	if !ok {
		return false
	}
	_, ok = matchCodec(caps.Codecs, codec)
	return ok
}

// producerType classifies how a producer's stream is layered.
func producerType(params domain.RTPParameters) domain.ConsumerType {
	if params.IsSimulcast() {
		return domain.ConsumerSimulcast
	}
	if len(params.Encodings) == 1 {
		if s, _ := scalabilityLayers(params.Encodings[0].ScalabilityMode); s > 1 {
			return domain.ConsumerSVC
		}
	}
	return domain.ConsumerSimple
}

// scalabilityLayers parses modes like "L3T3" or "S2T1_KEY".
func scalabilityLayers(mode string) (spatial, temporal int) {
	if len(mode) < 4 || (mode[0] != 'L' && mode[0] != 'S') {
		return 1, 1
	}
	t := strings.IndexByte(mode, 'T')
	if t < 2 {
		return 1, 1
	}
	s, err := strconv.Atoi(mode[1:t])
	if err != nil || s < 1 {
		return 1, 1
	}
	end := t + 1
	for end < len(mode) && mode[end] >= '0' && mode[end] <= '9' {
		end++
	}
	tl, err := strconv.Atoi(mode[t+1 : end])
	if err != nil || tl < 1 {
		return s, 1
	}
	return s, tl
}

// consumerParameters describes the stream a consumer receives: the router's
// codec and a single encoding with the sender's ssrc.
func consumerParameters(codec domain.RTPCodecCapability, ssrc uint32, cname string) domain.RTPParameters {
	params := make(map[string]string, len(codec.Parameters))
	for k, v := range codec.Parameters {
		params[k] = v
	}
	return domain.RTPParameters{
		Codecs: []domain.RTPCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  codec.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   params,
			RTCPFeedback: append([]domain.RTCPFeedback(nil), codec.RTCPFeedback...),
		}},
		Encodings: []domain.RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:      domain.RTCPParameters{CNAME: cname, ReducedSize: true},
	}
}

func decodingParameters(params domain.RTPParameters, pt webrtc.PayloadType) []webrtc.RTPDecodingParameters {
	out := make([]webrtc.RTPDecodingParameters, 0, len(params.Encodings))
	for _, e := range params.Encodings {
		out = append(out, webrtc.RTPDecodingParameters{RTPCodingParameters: webrtc.RTPCodingParameters{
			RID:         e.RID,
			SSRC:        webrtc.SSRC(e.SSRC),
			PayloadType: pt,
		}})
	}
	return out
}

func toPionICEParameters(p domain.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func fromPionICEParameters(p webrtc.ICEParameters, lite bool) domain.ICEParameters {
	return domain.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: lite}
}

func fromPionCandidates(cands []webrtc.ICECandidate) []domain.ICECandidate {
	out := make([]domain.ICECandidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, domain.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func toPionDTLSParameters(p domain.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch strings.ToLower(p.Role) {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{
			Algorithm: strings.ToLower(fp.Algorithm),
			Value:     fp.Value,
		})
	}
	return out
}

func fromPionDTLSParameters(p webrtc.DTLSParameters) domain.DTLSParameters {
	out := domain.DTLSParameters{Role: "auto"}
	switch p.Role {
	case webrtc.DTLSRoleClient:
		out.Role = "client"
	case webrtc.DTLSRoleServer:
		out.Role = "server"
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}
