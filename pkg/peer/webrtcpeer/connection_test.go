package webrtcpeer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/telehealth/pkg/capture"
	"github.com/arzzra/telehealth/pkg/peer"
	"github.com/arzzra/telehealth/pkg/signaling"
)

// TestOfferAnswerExchange тестирует обмен описаниями между двумя соединениями
// Проверяет:
// - Предложение с локальными треками проходит проверку SDP
// - Сторона без треков отвечает через recvonly трансиверы
// - Повторный Close безопасен
func TestOfferAnswerExchange(t *testing.T) {
	factory, err := NewFactory(Config{}, nil)
	require.NoError(t, err)

	offerer, err := factory()
	require.NoError(t, err)
	answerer, err := factory()
	require.NoError(t, err)

	cfg := capture.DefaultSyntheticConfig()
	stream, err := capture.NewSyntheticDevice(cfg).GetUserMedia(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	defer func() {
		for _, tr := range stream.Tracks() {
			_ = tr.Stop()
		}
	}()

	for _, tr := range stream.Tracks() {
		require.NoError(t, offerer.AddTrack(tr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offer, err := offerer.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, signaling.ValidateSDP(offer))
	assert.Contains(t, offer, "PCMU")
	assert.Contains(t, offer, "VP8")

	require.NoError(t, answerer.SetRemoteDescription(ctx, peer.SessionDescription{Type: peer.SDPTypeOffer, SDP: offer}))
	answer, err := answerer.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, signaling.ValidateSDP(answer))

	require.NoError(t, offerer.SetRemoteDescription(ctx, peer.SessionDescription{Type: peer.SDPTypeAnswer, SDP: answer}))

	assert.NoError(t, offerer.Close())
	assert.NoError(t, offerer.Close())
	assert.NoError(t, answerer.Close())
}

func TestOfferWithoutTracks(t *testing.T) {
	factory, err := NewFactory(DefaultConfig(), nil)
	require.NoError(t, err)

	conn, err := factory()
	require.NoError(t, err)
	defer conn.Close()

	offer, err := conn.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "m=video")
	assert.Contains(t, offer, "a=recvonly")
}
