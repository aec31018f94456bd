package webrtcmedia

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-backend/pkg/media"
)

const videoOnlySDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestValidateAudio(t *testing.T) {
	err := ValidateAudio(videoOnlySDP)
	require.Error(t, err)
	assert.Equal(t, media.CauseNegotiation, media.Classify(err))

	err = ValidateAudio("not an sdp")
	require.Error(t, err)
	assert.Equal(t, media.CauseNegotiation, media.Classify(err))
}

func TestOfferAnswerExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	adapter, err := NewAdapter(Config{})
	require.NoError(t, err)

	caller, err := adapter.CreateSession(ctx)
	require.NoError(t, err)
	defer caller.Close()
	receiver, err := adapter.CreateSession(ctx)
	require.NoError(t, err)
	defer receiver.Close()

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "opus")
	require.NoError(t, ValidateAudio(offer))

	require.NoError(t, receiver.ApplyRemoteOffer(ctx, offer))
	answer, err := receiver.CreateAnswer(ctx)
	require.NoError(t, err)
	assert.Contains(t, answer, "m=audio")

	require.NoError(t, caller.ApplyRemoteAnswer(ctx, answer))
}

func TestApplyRemoteOffer_RejectsVideoOnly(t *testing.T) {
	adapter, err := NewAdapter(Config{})
	require.NoError(t, err)
	s, err := adapter.CreateSession(context.Background())
	require.NoError(t, err)
	defer s.Close()

	err = s.ApplyRemoteOffer(context.Background(), videoOnlySDP)

	assert.Equal(t, media.CauseNegotiation, media.Classify(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	adapter, err := NewAdapter(Config{})
	require.NoError(t, err)
	s, err := adapter.CreateSession(context.Background())
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
