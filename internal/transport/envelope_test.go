package transport_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/orchestratord/core/internal/transport"
)

func TestEncodeDecodeFrameRoundTripJSON(t *testing.T) {
	t.Parallel()
	env := transport.Envelope{
		MsgID:   uuid.New(),
		CorrID:  uuid.New(),
		Type:    transport.TypeProgress,
		TS:      uint64(time.Now().UnixMilli()),
		Payload: []byte(`{"progress":42}`),
	}

	frame, err := transport.EncodeFrame(env, transport.CodecJSON)
	require.NoError(t, err)

	decoded, err := transport.DecodeFrame(frame, transport.CodecJSON)
	require.NoError(t, err)
	require.Equal(t, env.MsgID, decoded.MsgID)
	require.Equal(t, env.CorrID, decoded.CorrID)
	require.Equal(t, env.Type, decoded.Type)
	require.Equal(t, env.TS, decoded.TS)
	require.Equal(t, env.Payload, decoded.Payload)
}

func TestEncodeDecodeFrameRoundTripMsgPack(t *testing.T) {
	t.Parallel()
	env := transport.Envelope{
		MsgID:   uuid.New(),
		Type:    transport.TypeAssign,
		TS:      uint64(time.Now().UnixMilli()),
		Payload: []byte("binary-payload"),
	}

	frame, err := transport.EncodeFrame(env, transport.CodecMsgPack)
	require.NoError(t, err)

	decoded, err := transport.DecodeFrame(frame, transport.CodecMsgPack)
	require.NoError(t, err)
	require.Equal(t, env.MsgID, decoded.MsgID)
	require.Equal(t, env.Type, decoded.Type)
	require.Equal(t, env.Payload, decoded.Payload)
}

func TestDecodeFrameRejectsShortFrame(t *testing.T) {
	t.Parallel()
	_, err := transport.DecodeFrame([]byte{1, 2, 3}, transport.CodecJSON)
	require.Error(t, err)
}
