package webrtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterCapabilities_IsACopy(t *testing.T) {
	caps := RouterCapabilities()
	require.Len(t, caps.Codecs, 2)

	caps.Codecs[1].Parameters["x-google-start-bitrate"] = "1"
	caps.Codecs[1].RTCPFeedback[0].Type = "changed"

	fresh := RouterCapabilities()
	assert.Equal(t, "1000", fresh.Codecs[1].Parameters["x-google-start-bitrate"])
	assert.Equal(t, "nack", fresh.Codecs[1].RTCPFeedback[0].Type)
}

func TestRouterCapabilitiesWithStartBitrate(t *testing.T) {
	caps := routerCapabilitiesWithStartBitrate(600000)
	assert.Equal(t, "600", caps.Codecs[1].Parameters["x-google-start-bitrate"])
	assert.Empty(t, caps.Codecs[0].Parameters)

	assert.Equal(t, RouterCapabilities(), routerCapabilitiesWithStartBitrate(0))
}

func TestFmtpLine(t *testing.T) {
	assert.Equal(t, "", fmtpLine(nil))
	assert.Equal(t, "minptime=10;useinbandfec=1", fmtpLine(map[string]string{"useinbandfec": "1", "minptime": "10"}))
}

func TestPionCapability(t *testing.T) {
	c := pionCapability(RouterCapabilities().Codecs[1])
	assert.Equal(t, webrtc.MimeTypeVP8, c.MimeType)
	assert.Equal(t, uint32(90000), c.ClockRate)
	assert.Equal(t, "x-google-start-bitrate=1000", c.SDPFmtpLine)
	assert.Contains(t, c.RTCPFeedback, webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"})
}

func TestRegisterCodecs(t *testing.T) {
	me := &webrtc.MediaEngine{}
	assert.NoError(t, registerCodecs(me, RouterCapabilities()))
}
