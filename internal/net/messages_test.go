package net

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	. "swapbook/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	require.NoError(t, WriteFrame(&buf, nil))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), first)

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxFrameLen+1)), ErrFrameTooLarge)

	header := make([]byte, FrameHeaderLen)
	binary.BigEndian.PutUint32(header, MaxFrameLen+1)
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestParseMessage_PlaceOrder(t *testing.T) {
	payload, err := PlaceOrderMessage{
		SellAsset:  "STK",
		BuyAsset:   "BTK",
		SellAmount: 100,
		BuyAmount:  200,
		Username:   "user1",
	}.Serialize()
	require.NoError(t, err)
	assert.Len(t, payload, BaseMessageHeaderLen+PlaceOrderMessageHeaderLen+len("user1"))

	message, err := ParseMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, PlaceOrderMessage{
		BaseMessage: BaseMessage{TypeOf: PlaceOrder},
		SellAsset:   "STK",
		BuyAsset:    "BTK",
		SellAmount:  100,
		BuyAmount:   200,
		Username:    "user1",
	}, message)
}

func TestParseMessage_Truncated(t *testing.T) {
	payload, err := TakeOrderMessage{OrderID: 9, Username: "user2"}.Serialize()
	require.NoError(t, err)

	// Every strict prefix must be rejected rather than read out of bounds.
	for n := 0; n < len(payload); n++ {
		_, err := ParseMessage(payload[:n])
		assert.ErrorIs(t, err, ErrMessageTooShort, "prefix of %d bytes", n)
	}
}

func TestParseMessage_InvalidType(t *testing.T) {
	_, err := ParseMessage([]byte{0, 99})
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestParseMessage_Heartbeat(t *testing.T) {
	message, err := ParseMessage(HeartbeatMessage())
	require.NoError(t, err)
	assert.Equal(t, Heartbeat, message.GetType())
}

func TestTickers_TruncateAndPad(t *testing.T) {
	payload, err := ApproveMessage{Asset: "LONGNAME", Amount: 1, Username: "u"}.Serialize()
	require.NoError(t, err)

	message, err := ParseMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, AssetID("LONG"), message.(ApproveMessage).Asset)

	payload, err = BalanceMessage{Asset: "A", Username: "u"}.Serialize()
	require.NoError(t, err)
	message, err = ParseMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, AssetID("A"), message.(BalanceMessage).Asset)
}

func TestSerialize_UsernameTooLong(t *testing.T) {
	_, err := TakeOrderMessage{OrderID: 1, Username: Address(strings.Repeat("x", 256))}.Serialize()
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}

func TestReport_RoundTrip(t *testing.T) {
	report := orderReport(OrderSettledReport, Order{
		ID:         42,
		Maker:      "user1",
		SellAsset:  "STK",
		BuyAsset:   "BTK",
		SellAmount: 100,
		BuyAmount:  200,
		Finished:   true,
	}, "user2", 1234)

	buf, err := report.Serialize()
	require.NoError(t, err)

	parsed, err := ParseReport(buf)
	require.NoError(t, err)
	assert.Equal(t, report, parsed)

	_, err = ParseReport(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrMessageTooShort)
}

func TestReport_LongErrorIsTruncated(t *testing.T) {
	report := Report{MessageType: ErrorReport, Err: strings.Repeat("e", MaxFrameLen)}
	buf, err := report.Serialize()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(buf), MaxFrameLen)

	parsed, err := ParseReport(buf)
	require.NoError(t, err)
	assert.Equal(t, ErrorReport, parsed.MessageType)
}
