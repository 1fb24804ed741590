package webrtc

import (
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"golang.org/x/time/rate"
)

// keyframeInterval bounds how often a producer is asked for a keyframe.
const keyframeInterval = 500 * time.Millisecond

// isKeyframe reports whether pkt starts a decodable frame for a subscriber
// that joins mid-stream. Only VP8 is inspected; other codecs never gate.
func isKeyframe(mimeType string, pkt *rtp.Packet) bool {
	if !strings.EqualFold(mimeType, webrtc.MimeTypeVP8) {
		return true
	}
	if len(pkt.Payload) == 0 {
		return false
	}
	vp8 := &codecs.VP8Packet{}
	payload, err := vp8.Unmarshal(pkt.Payload)
	if err != nil || len(payload) == 0 {
		return false
	}
	// start of partition 0, P bit clear in the frame header
	return vp8.S == 1 && vp8.PID == 0 && payload[0]&0x01 == 0
}

func newKeyframeLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(keyframeInterval), 1)
}
