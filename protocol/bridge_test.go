package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureRoundTrip(t *testing.T) {
	want := LinkConfig{
		Line:      17,
		ClockLine: 300,
		Lanes:     4,
		Family:    1,
		Timing:    Timing{T1: 250, T2: 625, T3: 375},
	}
	out := NewScratchOutput()
	EncodeConfigure(out, want)

	cmd, body, err := SplitPayload(out.Result())
	require.NoError(t, err)
	if cmd != CmdConfigure {
		t.Errorf("Expected command 0x%02X, got 0x%02X", CmdConfigure, cmd)
	}
	got, err := DecodeConfigure(body)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeConfigureTruncated(t *testing.T) {
	out := NewScratchOutput()
	EncodeConfigure(out, LinkConfig{Line: 1, Lanes: 1, Timing: Timing{1, 2, 3}})
	body := out.Result()[1:]

	_, err := DecodeConfigure(body[:len(body)-1])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPulsesInsideFrame(t *testing.T) {
	pulses := bytes.Repeat([]byte{0xA5}, MaxPulseBytes)

	payload := NewScratchOutput()
	require.NoError(t, EncodePulses(payload, 65535, 16, pulses, true))

	block := NewScratchOutput()
	require.NoError(t, EncodeFrame(block, MessageDest, payload.Result()))

	var frames []scannedFrame
	NewFrameScanner(collectFrames(&frames)).Scan(NewSliceInputBuffer(block.Result()))
	require.Len(t, frames, 1)

	cmd, body, err := SplitPayload(frames[0].payload)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdPulsesEnd), cmd)

	line, lanes, got, err := DecodePulses(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(65535), line)
	assert.Equal(t, uint32(16), lanes)
	assert.Equal(t, pulses, got)
}

func TestPulsesTooLarge(t *testing.T) {
	out := NewScratchOutput()
	err := EncodePulses(out, 1, 1, make([]byte, MaxPulseBytes+1), false)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	if out.CurPosition() != 0 {
		t.Errorf("Expected nothing written, got %d bytes", out.CurPosition())
	}
}

func TestAckAndFault(t *testing.T) {
	out := NewScratchOutput()
	EncodeAck(out, 1000)
	cmd, body, err := SplitPayload(out.Result())
	require.NoError(t, err)
	assert.Equal(t, byte(CmdAck), cmd)
	v, err := DecodeValue(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), v)

	out.Reset()
	EncodeFault(out, FaultTransmit)
	cmd, body, err = SplitPayload(out.Result())
	require.NoError(t, err)
	assert.Equal(t, byte(CmdFault), cmd)
	v, err = DecodeValue(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(FaultTransmit), v)
}

func TestSplitPayloadErrors(t *testing.T) {
	_, _, err := SplitPayload(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = SplitPayload([]byte{0x7F})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = DecodeValue(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}
