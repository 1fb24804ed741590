package webrtc

import (
	"fmt"
	"sort"
	"strings"

	"groupcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// routerCodecs is the fixed codec table of every router.
var routerCodecs = []domain.RTPCodecCapability{
	{
		Kind:                 domain.KindAudio,
		MimeType:             webrtc.MimeTypeOpus,
		PreferredPayloadType: 100,
		ClockRate:            48000,
		Channels:             2,
		RTCPFeedback:         []domain.RTCPFeedback{{Type: "transport-cc"}},
	},
	{
		Kind:                 domain.KindVideo,
		MimeType:             webrtc.MimeTypeVP8,
		PreferredPayloadType: 101,
		ClockRate:            90000,
		Parameters:           map[string]string{"x-google-start-bitrate": "1000"},
		RTCPFeedback: []domain.RTCPFeedback{
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "goog-remb"},
		},
	},
}

// RouterCapabilities returns a copy of the codec table.
func RouterCapabilities() domain.RTPCapabilities {
	return copyCapabilities(routerCodecs)
}

// routerCapabilitiesWithStartBitrate is the codec table with the video
// start bitrate hint taken from the engine config.
func routerCapabilitiesWithStartBitrate(bps uint32) domain.RTPCapabilities {
	caps := RouterCapabilities()
	if bps == 0 {
		return caps
	}
	for i := range caps.Codecs {
		if caps.Codecs[i].Kind == domain.KindVideo {
			caps.Codecs[i].Parameters["x-google-start-bitrate"] = fmt.Sprint(bps / 1000)
		}
	}
	return caps
}

func copyCapabilities(in []domain.RTPCodecCapability) domain.RTPCapabilities {
	codecs := make([]domain.RTPCodecCapability, 0, len(in))
	for _, c := range in {
		cp := c
		cp.Parameters = make(map[string]string, len(c.Parameters))
		for k, v := range c.Parameters {
			cp.Parameters[k] = v
		}
		cp.RTCPFeedback = append([]domain.RTCPFeedback(nil), c.RTCPFeedback...)
		codecs = append(codecs, cp)
	}
	return domain.RTPCapabilities{Codecs: codecs}
}

// fmtpLine renders codec parameters the way SDP carries them, keys sorted.
func fmtpLine(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}

func pionFeedback(fb []domain.RTCPFeedback) []webrtc.RTCPFeedback {
	out := make([]webrtc.RTCPFeedback, 0, len(fb))
	for _, f := range fb {
		out = append(out, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return out
}

func pionCapability(c domain.RTPCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     c.MimeType,
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		SDPFmtpLine:  fmtpLine(c.Parameters),
		RTCPFeedback: pionFeedback(c.RTCPFeedback),
	}
}

func pionCodecParameters(c domain.RTPCodecParameters) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: pionFeedback(c.RTCPFeedback),
		},
		PayloadType: webrtc.PayloadType(c.PayloadType),
	}
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// registerCodecs makes the router's codecs known to a transport's media
// engine so senders can bind to them.
func registerCodecs(me *webrtc.MediaEngine, caps domain.RTPCapabilities) error {
	for _, c := range caps.Codecs {
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: pionCapability(c),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := me.RegisterCodec(params, codecType(c.Kind)); err != nil {
			return fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	return nil
}
