package webrtc

import (
	"context"
	"testing"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var _ ports.MediaEngine = (*Worker)(nil)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := NewWorker(Config{ListenIP: "127.0.0.1", LogLevel: "error", BitrateFeedback: time.Second}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newTestTransport(t *testing.T, r ports.Router, conn domain.ConnectionID, role domain.TransportRole) ports.Transport {
	t.Helper()
	tr, err := r.CreateWebRTCTransport(context.Background(), ports.TransportOptions{ConnectionID: conn, Role: role})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func countCloses(register func(func())) *atomic.Int32 {
	n := atomic.NewInt32(0)
	register(func() { n.Inc() })
	return n
}

func TestWorker_RouterLifecycle(t *testing.T) {
	w := newTestWorker(t)
	require.True(t, w.Ready())

	r, err := w.Router()
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID())
	assert.Len(t, r.RTPCapabilities().Codecs, 2)
	assert.False(t, r.CanConsume("missing", RouterCapabilities()))

	require.NoError(t, w.Close())
	assert.False(t, w.Ready())
	_, err = w.Router()
	assert.ErrorIs(t, err, domain.ErrEngineNotReady)

	_, err = r.CreateWebRTCTransport(context.Background(), ports.TransportOptions{ConnectionID: "c1", Role: domain.RoleSend})
	assert.ErrorIs(t, err, domain.ErrEngineNotReady)
}

func TestWorker_PanicKillsWorker(t *testing.T) {
	w := newTestWorker(t)

	w.guard(func() { panic("decoder exploded") })

	select {
	case err := <-w.Died():
		assert.Contains(t, err.Error(), "decoder exploded")
	case <-time.After(time.Second):
		t.Fatal("worker did not report death")
	}
	assert.False(t, w.Ready())

	// only the first failure is reported
	w.guard(func() { panic("again") })
	select {
	case <-w.Died():
		t.Fatal("second death reported")
	default:
	}
}

func TestWorker_CloseIsNotDeath(t *testing.T) {
	w := newTestWorker(t)
	require.NoError(t, w.Close())

	w.guard(func() { panic("late") })
	select {
	case <-w.Died():
		t.Fatal("death reported after close")
	default:
	}
}

func TestTransportClose_ClosesProducersAndTheirConsumers(t *testing.T) {
	w := newTestWorker(t)
	r, err := w.Router()
	require.NoError(t, err)
	ctx := context.Background()

	send := newTestTransport(t, r, "a", domain.RoleSend)
	recv := newTestTransport(t, r, "b", domain.RoleReceive)
	params := send.Parameters()
	assert.Equal(t, send.ID(), params.ID)
	assert.NotEmpty(t, params.ICECandidates)
	assert.NotEmpty(t, params.DTLSParameters.Fingerprints)

	producer, err := send.Produce(ctx, ports.ProduceOptions{
		Kind:          domain.KindAudio,
		RTPParameters: domain.RTPParameters{Codecs: []domain.RTPCodecParameters{opus(111)}, Encodings: []domain.RTPEncodingParameters{{SSRC: 1234}}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConsumerSimple, producer.Type())
	assert.True(t, r.CanConsume(producer.ID(), RouterCapabilities()))

	consumer, err := recv.Consume(ctx, ports.ConsumeOptions{ProducerID: producer.ID(), RTPCapabilities: RouterCapabilities()})
	require.NoError(t, err)
	assert.False(t, consumer.Paused())
	assert.Equal(t, producer.ID(), consumer.ProducerID())
	assert.Equal(t, uint8(100), consumer.RTPParameters().Codecs[0].PayloadType)

	producerCloses := countCloses(producer.OnClose)
	consumerCloses := countCloses(consumer.OnClose)
	sendCloses := countCloses(send.OnClose)

	require.NoError(t, send.Close())
	assert.True(t, send.Closed())
	assert.True(t, producer.Closed())
	assert.True(t, consumer.Closed(), "consumers on other transports close with their producer")
	assert.False(t, recv.Closed())
	assert.False(t, r.CanConsume(producer.ID(), RouterCapabilities()))

	require.NoError(t, send.Close())
	require.NoError(t, producer.Close())
	assert.Equal(t, int32(1), producerCloses.Load())
	assert.Equal(t, int32(1), consumerCloses.Load())
	assert.Equal(t, int32(1), sendCloses.Load())

	// handlers registered after the close run right away
	late := countCloses(producer.OnClose)
	assert.Equal(t, int32(1), late.Load())

	_, err = send.Produce(ctx, ports.ProduceOptions{Kind: domain.KindAudio, RTPParameters: domain.RTPParameters{
		Codecs: []domain.RTPCodecParameters{opus(111)}, Encodings: []domain.RTPEncodingParameters{{SSRC: 1}},
	}})
	assert.Error(t, err)
	_, err = recv.Consume(ctx, ports.ConsumeOptions{ProducerID: producer.ID(), RTPCapabilities: RouterCapabilities()})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestConsumer_SimulcastVideo(t *testing.T) {
	w := newTestWorker(t)
	r, err := w.Router()
	require.NoError(t, err)
	ctx := context.Background()

	send := newTestTransport(t, r, "a", domain.RoleSend)
	recv := newTestTransport(t, r, "b", domain.RoleReceive)

	producer, err := send.Produce(ctx, ports.ProduceOptions{
		Kind: domain.KindVideo,
		RTPParameters: domain.RTPParameters{
			Codecs: []domain.RTPCodecParameters{vp8(96)},
			Encodings: []domain.RTPEncodingParameters{
				{SSRC: 1001, RID: "q"},
				{SSRC: 1002, RID: "h"},
				{SSRC: 1003, RID: "f", ScalabilityMode: "L1T3"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConsumerSimulcast, producer.Type())

	_, err = recv.Consume(ctx, ports.ConsumeOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: domain.RTPCapabilities{Codecs: RouterCapabilities().Codecs[:1]},
	})
	assert.ErrorIs(t, err, domain.ErrCannotConsume)

	c, err := recv.Consume(ctx, ports.ConsumeOptions{ProducerID: producer.ID(), RTPCapabilities: RouterCapabilities(), Paused: true})
	require.NoError(t, err)
	assert.True(t, c.Paused())
	assert.Equal(t, domain.ConsumerSimulcast, c.Type())
	assert.Equal(t, domain.KindVideo, c.Kind())
	assert.Equal(t, "video/VP8", c.RTPParameters().Codecs[0].MimeType)

	consumer := c.(*Consumer)
	assert.Equal(t, domain.ConsumerLayers{SpatialLayer: 2, TemporalLayer: 2}, consumer.PreferredLayers())

	require.NoError(t, c.SetPreferredLayers(domain.ConsumerLayers{SpatialLayer: 7, TemporalLayer: 1}))
	assert.Equal(t, domain.ConsumerLayers{SpatialLayer: 2, TemporalLayer: 1}, consumer.PreferredLayers())

	require.NoError(t, c.SetPreferredLayers(domain.ConsumerLayers{SpatialLayer: 0}))
	assert.Equal(t, uint8(0), consumer.PreferredLayers().SpatialLayer)

	require.NoError(t, c.Resume(ctx))
	assert.False(t, c.Paused())

	closes := countCloses(c.OnClose)
	require.NoError(t, c.Close())
	assert.False(t, producer.Closed(), "closing a consumer leaves its producer open")
	assert.Equal(t, int32(1), closes.Load())
	assert.ErrorIs(t, c.Resume(ctx), domain.ErrConsumerNotFound)
	assert.ErrorIs(t, c.SetPreferredLayers(domain.ConsumerLayers{}), domain.ErrConsumerNotFound)
}

func TestProducerClose_ClosesConsumers(t *testing.T) {
	w := newTestWorker(t)
	r, err := w.Router()
	require.NoError(t, err)
	ctx := context.Background()

	send := newTestTransport(t, r, "a", domain.RoleSend)
	b := newTestTransport(t, r, "b", domain.RoleReceive)
	c := newTestTransport(t, r, "c", domain.RoleReceive)

	producer, err := send.Produce(ctx, ports.ProduceOptions{
		Kind:          domain.KindAudio,
		RTPParameters: domain.RTPParameters{Codecs: []domain.RTPCodecParameters{opus(111)}, Encodings: []domain.RTPEncodingParameters{{SSRC: 42}}},
	})
	require.NoError(t, err)

	var consumers []ports.Consumer
	for _, tr := range []ports.Transport{b, c} {
		cons, err := tr.Consume(ctx, ports.ConsumeOptions{ProducerID: producer.ID(), RTPCapabilities: RouterCapabilities()})
		require.NoError(t, err)
		consumers = append(consumers, cons)
	}
	closes := atomic.NewInt32(0)
	for _, cons := range consumers {
		cons.OnClose(func() { closes.Inc() })
	}

	require.NoError(t, producer.Close())
	for _, cons := range consumers {
		assert.True(t, cons.Closed())
	}
	assert.Equal(t, int32(2), closes.Load())
	assert.False(t, send.Closed())
	assert.False(t, b.Closed())
	assert.False(t, c.Closed())
}

func TestSequencer_ContiguousAcrossSwitch(t *testing.T) {
	var s sequencer

	out := s.rewrite(&rtp.Packet{Header: rtp.Header{SequenceNumber: 100, Timestamp: 9000}})
	assert.Equal(t, uint16(100), out.SequenceNumber)
	out = s.rewrite(&rtp.Packet{Header: rtp.Header{SequenceNumber: 101, Timestamp: 12000}})
	assert.Equal(t, uint16(101), out.SequenceNumber)

	s.switchSource()
	out = s.rewrite(&rtp.Packet{Header: rtp.Header{SequenceNumber: 5000, Timestamp: 500}})
	assert.Equal(t, uint16(102), out.SequenceNumber)
	assert.Equal(t, uint32(12001), out.Timestamp)

	out = s.rewrite(&rtp.Packet{Header: rtp.Header{SequenceNumber: 5001, Timestamp: 3500}})
	assert.Equal(t, uint16(103), out.SequenceNumber)
	assert.Equal(t, uint32(15001), out.Timestamp)
}

func TestSequencer_WrapsAround(t *testing.T) {
	var s sequencer
	s.rewrite(&rtp.Packet{Header: rtp.Header{SequenceNumber: 65535}})
	s.switchSource()
	out := s.rewrite(&rtp.Packet{Header: rtp.Header{SequenceNumber: 10}})
	assert.Equal(t, uint16(0), out.SequenceNumber)
}
