package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	. "swapbook/internal/common"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrUsernameTooLong    = errors.New("username too long")
)

type MessageType int

const (
	Heartbeat MessageType = iota
	Approve
	PlaceOrder
	TakeOrder
	QueryOrder
	Balance
)

type ReportMessageType int

const (
	AckReport ReportMessageType = iota
	OrderPlacedReport
	OrderSettledReport
	OrderInfoReport
	BalanceReport
	ErrorReport
)

// ErrorCode classifies an ErrorReport so clients need not parse the text.
type ErrorCode uint8

const (
	CodeNone ErrorCode = iota
	CodeInvalidParameters
	CodeTransferFailure
	CodeUnknownOrder
	CodeAlreadySettled
	CodeMalformedRequest
	CodePayoutStranded
)

type Message interface {
	GetType() MessageType
}

// Message format constants. Header lengths exclude the 2 byte type prefix
// and any variable length username.
const (
	FrameHeaderLen             = 4
	MaxFrameLen                = 4 * 1024
	BaseMessageHeaderLen       = 2
	ApproveMessageHeaderLen    = TickerLen + 8 + 1
	PlaceOrderMessageHeaderLen = TickerLen + TickerLen + 8 + 8 + 1
	TakeOrderMessageHeaderLen  = 8 + 1
	QueryOrderMessageHeaderLen = 8
	BalanceMessageHeaderLen    = TickerLen + 1
	MaxUsernameLen             = 255
)

// ReadFrame reads one length prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload behind its length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// Generic message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

func ParseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageHeaderLen {
		return BaseMessage{}, fmt.Errorf("%w: no header", ErrMessageTooShort)
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	msg = msg[2:]
	switch typeOf {
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	case Approve:
		return parseApprove(msg)
	case PlaceOrder:
		return parsePlaceOrder(msg)
	case TakeOrder:
		return parseTakeOrder(msg)
	case QueryOrder:
		return parseQueryOrder(msg)
	case Balance:
		return parseBalance(msg)
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

// parseUsername reads a length prefixed username starting at msg[0].
func parseUsername(msg []byte) (Address, error) {
	if len(msg) < 1 {
		return "", ErrMessageTooShort
	}
	n := int(msg[0])
	if len(msg) < 1+n {
		return "", fmt.Errorf("%w: username", ErrMessageTooShort)
	}
	return Address(msg[1 : 1+n]), nil
}

func putUsername(buf []byte, user Address) {
	buf[0] = uint8(len(user))
	copy(buf[1:], user)
}

func header(typeOf MessageType, bodyLen int) []byte {
	buf := make([]byte, BaseMessageHeaderLen+bodyLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(typeOf))
	return buf
}

type ApproveMessage struct {
	BaseMessage
	Asset    AssetID // 4 bytes
	Amount   uint64  // 8 bytes
	Username Address // 1 + n bytes
}

func parseApprove(msg []byte) (ApproveMessage, error) {
	m := ApproveMessage{BaseMessage: BaseMessage{TypeOf: Approve}}
	if len(msg) < ApproveMessageHeaderLen {
		return ApproveMessage{}, ErrMessageTooShort
	}

	m.Asset = AssetFromTicker(msg[0:4])
	m.Amount = binary.BigEndian.Uint64(msg[4:12])

	var err error
	if m.Username, err = parseUsername(msg[12:]); err != nil {
		return ApproveMessage{}, err
	}
	return m, nil
}

func (m ApproveMessage) Serialize() ([]byte, error) {
	if len(m.Username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	buf := header(Approve, ApproveMessageHeaderLen+len(m.Username))
	body := buf[BaseMessageHeaderLen:]

	ticker := m.Asset.Ticker()
	copy(body[0:4], ticker[:])
	binary.BigEndian.PutUint64(body[4:12], m.Amount)
	putUsername(body[12:], m.Username)
	return buf, nil
}

type PlaceOrderMessage struct {
	BaseMessage
	SellAsset  AssetID // 4 bytes
	BuyAsset   AssetID // 4 bytes
	SellAmount uint64  // 8 bytes
	BuyAmount  uint64  // 8 bytes
	Username   Address // 1 + n bytes
}

func parsePlaceOrder(msg []byte) (PlaceOrderMessage, error) {
	m := PlaceOrderMessage{BaseMessage: BaseMessage{TypeOf: PlaceOrder}}
	if len(msg) < PlaceOrderMessageHeaderLen {
		return PlaceOrderMessage{}, ErrMessageTooShort
	}

	m.SellAsset = AssetFromTicker(msg[0:4])
	m.BuyAsset = AssetFromTicker(msg[4:8])
	m.SellAmount = binary.BigEndian.Uint64(msg[8:16])
	m.BuyAmount = binary.BigEndian.Uint64(msg[16:24])

	var err error
	if m.Username, err = parseUsername(msg[24:]); err != nil {
		return PlaceOrderMessage{}, err
	}
	return m, nil
}

func (m PlaceOrderMessage) Serialize() ([]byte, error) {
	if len(m.Username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	buf := header(PlaceOrder, PlaceOrderMessageHeaderLen+len(m.Username))
	body := buf[BaseMessageHeaderLen:]

	sell, buy := m.SellAsset.Ticker(), m.BuyAsset.Ticker()
	copy(body[0:4], sell[:])
	copy(body[4:8], buy[:])
	binary.BigEndian.PutUint64(body[8:16], m.SellAmount)
	binary.BigEndian.PutUint64(body[16:24], m.BuyAmount)
	putUsername(body[24:], m.Username)
	return buf, nil
}

type TakeOrderMessage struct {
	BaseMessage
	OrderID  OrderID // 8 bytes
	Username Address // 1 + n bytes
}

func parseTakeOrder(msg []byte) (TakeOrderMessage, error) {
	m := TakeOrderMessage{BaseMessage: BaseMessage{TypeOf: TakeOrder}}
	if len(msg) < TakeOrderMessageHeaderLen {
		return TakeOrderMessage{}, ErrMessageTooShort
	}

	m.OrderID = OrderID(binary.BigEndian.Uint64(msg[0:8]))

	var err error
	if m.Username, err = parseUsername(msg[8:]); err != nil {
		return TakeOrderMessage{}, err
	}
	return m, nil
}

func (m TakeOrderMessage) Serialize() ([]byte, error) {
	if len(m.Username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	buf := header(TakeOrder, TakeOrderMessageHeaderLen+len(m.Username))
	body := buf[BaseMessageHeaderLen:]

	binary.BigEndian.PutUint64(body[0:8], uint64(m.OrderID))
	putUsername(body[8:], m.Username)
	return buf, nil
}

type QueryOrderMessage struct {
	BaseMessage
	OrderID OrderID // 8 bytes
}

func parseQueryOrder(msg []byte) (QueryOrderMessage, error) {
	if len(msg) < QueryOrderMessageHeaderLen {
		return QueryOrderMessage{}, ErrMessageTooShort
	}
	return QueryOrderMessage{
		BaseMessage: BaseMessage{TypeOf: QueryOrder},
		OrderID:     OrderID(binary.BigEndian.Uint64(msg[0:8])),
	}, nil
}

func (m QueryOrderMessage) Serialize() ([]byte, error) {
	buf := header(QueryOrder, QueryOrderMessageHeaderLen)
	binary.BigEndian.PutUint64(buf[2:10], uint64(m.OrderID))
	return buf, nil
}

type BalanceMessage struct {
	BaseMessage
	Asset    AssetID // 4 bytes
	Username Address // 1 + n bytes
}

func parseBalance(msg []byte) (BalanceMessage, error) {
	m := BalanceMessage{BaseMessage: BaseMessage{TypeOf: Balance}}
	if len(msg) < BalanceMessageHeaderLen {
		return BalanceMessage{}, ErrMessageTooShort
	}

	m.Asset = AssetFromTicker(msg[0:4])

	var err error
	if m.Username, err = parseUsername(msg[4:]); err != nil {
		return BalanceMessage{}, err
	}
	return m, nil
}

func (m BalanceMessage) Serialize() ([]byte, error) {
	if len(m.Username) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	buf := header(Balance, BalanceMessageHeaderLen+len(m.Username))
	body := buf[BaseMessageHeaderLen:]

	ticker := m.Asset.Ticker()
	copy(body[0:4], ticker[:])
	putUsername(body[4:], m.Username)
	return buf, nil
}

// HeartbeatMessage encodes a bare heartbeat.
func HeartbeatMessage() []byte {
	return header(Heartbeat, 0)
}

// Report is everything the server sends back. Which fields are meaningful
// depends on MessageType; BalanceReport carries the amount in SellAmount.
type Report struct {
	MessageType ReportMessageType // 1 byte
	Code        ErrorCode         // 1 byte
	Finished    bool              // 1 byte
	OrderID     OrderID           // 8 bytes
	SellAmount  uint64            // 8 bytes
	BuyAmount   uint64            // 8 bytes
	Timestamp   uint64            // 8 bytes, unix nanoseconds
	SellAsset   AssetID           // 4 bytes
	BuyAsset    AssetID           // 4 bytes
	MakerLen    uint8             // 1 byte
	TakerLen    uint8             // 1 byte
	ErrStrLen   uint16            // 2 bytes
	Maker       string            // n bytes
	Taker       string            // n bytes
	Err         string            // n bytes
}

const ReportFixedHeaderLen = 1 + 1 + 1 + 8 + 8 + 8 + 8 + 4 + 4 + 1 + 1 + 2

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() ([]byte, error) {
	if len(r.Maker) > MaxUsernameLen || len(r.Taker) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	if len(r.Err) > MaxFrameLen-ReportFixedHeaderLen-2*MaxUsernameLen {
		r.Err = r.Err[:MaxFrameLen-ReportFixedHeaderLen-2*MaxUsernameLen]
	}
	r.MakerLen = uint8(len(r.Maker))
	r.TakerLen = uint8(len(r.Taker))
	r.ErrStrLen = uint16(len(r.Err))

	totalSize := ReportFixedHeaderLen + len(r.Maker) + len(r.Taker) + len(r.Err)
	buf := make([]byte, totalSize)
	buf[0] = byte(r.MessageType)
	buf[1] = byte(r.Code)
	if r.Finished {
		buf[2] = 1
	}
	binary.BigEndian.PutUint64(buf[3:11], uint64(r.OrderID))
	binary.BigEndian.PutUint64(buf[11:19], r.SellAmount)
	binary.BigEndian.PutUint64(buf[19:27], r.BuyAmount)
	binary.BigEndian.PutUint64(buf[27:35], r.Timestamp)

	// Pack tickers into fixed buffers.
	sell, buy := r.SellAsset.Ticker(), r.BuyAsset.Ticker()
	copy(buf[35:39], sell[:])
	copy(buf[39:43], buy[:])
	buf[43] = r.MakerLen
	buf[44] = r.TakerLen
	binary.BigEndian.PutUint16(buf[45:47], r.ErrStrLen)

	offset := ReportFixedHeaderLen
	offset += copy(buf[offset:], r.Maker)
	offset += copy(buf[offset:], r.Taker)
	copy(buf[offset:], r.Err)
	return buf, nil
}

// ParseReport decodes a report payload produced by Serialize.
func ParseReport(buf []byte) (Report, error) {
	if len(buf) < ReportFixedHeaderLen {
		return Report{}, fmt.Errorf("%w: report header", ErrMessageTooShort)
	}

	r := Report{
		MessageType: ReportMessageType(buf[0]),
		Code:        ErrorCode(buf[1]),
		Finished:    buf[2] == 1,
		OrderID:     OrderID(binary.BigEndian.Uint64(buf[3:11])),
		SellAmount:  binary.BigEndian.Uint64(buf[11:19]),
		BuyAmount:   binary.BigEndian.Uint64(buf[19:27]),
		Timestamp:   binary.BigEndian.Uint64(buf[27:35]),
		SellAsset:   AssetFromTicker(buf[35:39]),
		BuyAsset:    AssetFromTicker(buf[39:43]),
		MakerLen:    buf[43],
		TakerLen:    buf[44],
		ErrStrLen:   binary.BigEndian.Uint16(buf[45:47]),
	}

	varLen := int(r.MakerLen) + int(r.TakerLen) + int(r.ErrStrLen)
	if len(buf) < ReportFixedHeaderLen+varLen {
		return Report{}, fmt.Errorf("%w: report body", ErrMessageTooShort)
	}
	offset := ReportFixedHeaderLen
	r.Maker = string(buf[offset : offset+int(r.MakerLen)])
	offset += int(r.MakerLen)
	r.Taker = string(buf[offset : offset+int(r.TakerLen)])
	offset += int(r.TakerLen)
	r.Err = string(buf[offset : offset+int(r.ErrStrLen)])
	return r, nil
}

// orderReport describes an order for the given report type.
func orderReport(typeOf ReportMessageType, order Order, taker Address, ts uint64) Report {
	return Report{
		MessageType: typeOf,
		Finished:    order.Finished,
		OrderID:     order.ID,
		SellAmount:  order.SellAmount,
		BuyAmount:   order.BuyAmount,
		Timestamp:   ts,
		SellAsset:   order.SellAsset,
		BuyAsset:    order.BuyAsset,
		Maker:       string(order.Maker),
		Taker:       string(taker),
	}
}

// errorReport builds an ErrorReport with the given classification.
func errorReport(code ErrorCode, err error, ts uint64) Report {
	return Report{
		MessageType: ErrorReport,
		Code:        code,
		Timestamp:   ts,
		Err:         err.Error(),
	}
}
