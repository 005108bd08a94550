package kafka

import (
	"testing"
	"time"

	"github.com/lvdashuaibi/lyricvote/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMessage(t *testing.T) {
	event := model.NewVoteEvent(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "Rumours", "Dreams", "Thunder only happens", false)

	msg, err := encodeMessage(event, "node-a")
	require.NoError(t, err)

	assert.Equal(t, "Rumours/Dreams", string(msg.Key))
	assert.Equal(t, event.Time, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, OriginHeader, msg.Headers[0].Key)
	assert.Equal(t, "node-a", string(msg.Headers[0].Value))
}

func TestDecodeMessage_FromPeer(t *testing.T) {
	event := model.NewVoteEvent(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "Rumours", "Dreams", "Thunder only happens", true)
	msg, err := encodeMessage(event, "node-a")
	require.NoError(t, err)

	decoded, skip, err := decodeMessage(msg, "node-b")
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Equal(t, event, decoded)
}

func TestDecodeMessage_SkipsOwnEvents(t *testing.T) {
	event := model.NewVoteEvent(time.Now(), "a", "s", "l", true)
	msg, err := encodeMessage(event, "node-a")
	require.NoError(t, err)

	_, skip, err := decodeMessage(msg, "node-a")
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestDecodeMessage_Invalid(t *testing.T) {
	_, skip, err := decodeMessage(kafka.Message{Value: []byte("garbage")}, "node-a")
	assert.Error(t, err)
	assert.False(t, skip)
}

func TestConsumerGroupID(t *testing.T) {
	assert.Equal(t, "lyricvote-node-1", consumerGroupID("lyricvote", "node-1"))
	assert.Equal(t, consumerGroupID("lyricvote", "node-1"), consumerGroupID("lyricvote", "node-1"))
	assert.NotEqual(t, consumerGroupID("lyricvote", "node-1"), consumerGroupID("lyricvote", "node-2"))
}
