package semtech

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Protocol versions. Outbound packets always use ProtocolVersion2.
const (
	ProtocolVersion1 uint8 = 0x01
	ProtocolVersion2 uint8 = 0x02
)

const (
	headerSize    = 4
	euiHeaderSize = headerSize + 8
)

// Kind identifies a packet. The numeric value of every kind except PushStat is
// its identifier byte on the wire; PushStat travels as a PUSH_DATA.
type Kind byte

const (
	PushData Kind = 0x00
	PushACK  Kind = 0x01
	PullData Kind = 0x02
	PullResp Kind = 0x03
	PullACK  Kind = 0x04
	TXACK    Kind = 0x05
	PushStat Kind = 0x80
)

func (k Kind) String() string {
	switch k {
	case PushData:
		return "PUSH_DATA"
	case PushACK:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullACK:
		return "PULL_ACK"
	case TXACK:
		return "TX_ACK"
	case PushStat:
		return "STAT"
	}
	return fmt.Sprintf("Kind(0x%02x)", byte(k))
}

func (k Kind) identifier() byte {
	if k == PushStat {
		return byte(PushData)
	}
	return byte(k)
}

// Decode errors.
var (
	ErrMalformedHeader    = errors.New("semtech: malformed header")
	ErrUnknownMessageType = errors.New("semtech: unknown message type")
	ErrInvalidBody        = errors.New("semtech: invalid body")
)

// EUI64 is the 8 byte gateway identifier.
type EUI64 [8]byte

func (e EUI64) String() string {
	return strings.ToUpper(hex.EncodeToString(e[:]))
}

// MarshalText implements encoding.TextMarshaler.
func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EUI64) UnmarshalText(text []byte) error {
	v, err := ParseEUI64(string(text))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// ParseEUI64 parses 16 hex digits, optionally separated by '-' or ':'.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	clean := strings.NewReplacer("-", "", ":", "").Replace(strings.TrimSpace(s))
	if len(clean) != 16 {
		return e, fmt.Errorf("eui64 %q: expected 16 hex digits", s)
	}
	if _, err := hex.Decode(e[:], []byte(clean)); err != nil {
		return e, fmt.Errorf("eui64 %q: %w", s, err)
	}
	return e, nil
}

// Packet is implemented by every packet type.
type Packet interface {
	Kind() Kind
	Token() uint16
	MarshalBinary() ([]byte, error)
}

// PushDataPacket forwards received radio packets to the server. It needs at
// least one rxpk; a status-only push is a StatPacket.
type PushDataPacket struct {
	RandomToken uint16
	GatewayEUI  EUI64
	RXPK        []RXPK
	Stat        *Stat
}

func (p PushDataPacket) Kind() Kind    { return PushData }
func (p PushDataPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PushDataPacket) MarshalBinary() ([]byte, error) {
	if len(p.RXPK) == 0 {
		return nil, fmt.Errorf("%w: push data without rxpk", ErrInvalidBody)
	}
	return marshal(PushData, p.RandomToken, &p.GatewayEUI, pushDataBody{RXPK: p.RXPK, Stat: p.Stat})
}

// StatPacket is a PUSH_DATA carrying only the gateway status.
type StatPacket struct {
	RandomToken uint16
	GatewayEUI  EUI64
	Stat        Stat
}

func (p StatPacket) Kind() Kind    { return PushStat }
func (p StatPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p StatPacket) MarshalBinary() ([]byte, error) {
	st := p.Stat
	return marshal(PushStat, p.RandomToken, &p.GatewayEUI, pushDataBody{Stat: &st})
}

// PushACKPacket acknowledges a PUSH_DATA.
type PushACKPacket struct {
	RandomToken uint16
}

func (p PushACKPacket) Kind() Kind    { return PushACK }
func (p PushACKPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PushACKPacket) MarshalBinary() ([]byte, error) {
	return marshal(PushACK, p.RandomToken, nil, nil)
}

// PullDataPacket is the keepalive that opens the downlink path.
type PullDataPacket struct {
	RandomToken uint16
	GatewayEUI  EUI64
}

func (p PullDataPacket) Kind() Kind    { return PullData }
func (p PullDataPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PullDataPacket) MarshalBinary() ([]byte, error) {
	return marshal(PullData, p.RandomToken, &p.GatewayEUI, nil)
}

// PullACKPacket acknowledges a PULL_DATA.
type PullACKPacket struct {
	RandomToken uint16
}

func (p PullACKPacket) Kind() Kind    { return PullACK }
func (p PullACKPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PullACKPacket) MarshalBinary() ([]byte, error) {
	return marshal(PullACK, p.RandomToken, nil, nil)
}

// PullRespPacket carries a downlink request.
type PullRespPacket struct {
	RandomToken uint16
	TXPK        TXPK
}

func (p PullRespPacket) Kind() Kind    { return PullResp }
func (p PullRespPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p PullRespPacket) MarshalBinary() ([]byte, error) {
	tx := p.TXPK
	return marshal(PullResp, p.RandomToken, nil, pullRespBody{TXPK: &tx})
}

// TXACKPacket reports the outcome of a PULL_RESP, echoing its token.
type TXACKPacket struct {
	RandomToken uint16
	GatewayEUI  EUI64
	Ack         TXPKACK
}

func (p TXACKPacket) Kind() Kind    { return TXACK }
func (p TXACKPacket) Token() uint16 { return p.RandomToken }

// MarshalBinary implements encoding.BinaryMarshaler.
func (p TXACKPacket) MarshalBinary() ([]byte, error) {
	ack := p.Ack
	return marshal(TXACK, p.RandomToken, &p.GatewayEUI, txAckBody{TXPKACK: &ack})
}

// Encode returns the datagram for p.
func Encode(p Packet) ([]byte, error) {
	return p.MarshalBinary()
}

// Decode parses a datagram. Errors wrap ErrMalformedHeader,
// ErrUnknownMessageType or ErrInvalidBody.
func Decode(data []byte) (Packet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, at least %d expected", ErrMalformedHeader, len(data), headerSize)
	}
	if v := data[0]; v != ProtocolVersion1 && v != ProtocolVersion2 {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedHeader, v)
	}
	token := binary.LittleEndian.Uint16(data[1:3])

	switch Kind(data[3]) {
	case PushACK:
		return PushACKPacket{RandomToken: token}, nil
	case PullACK:
		return PullACKPacket{RandomToken: token}, nil
	case PullData:
		eui, _, err := splitEUI(data)
		if err != nil {
			return nil, err
		}
		return PullDataPacket{RandomToken: token, GatewayEUI: eui}, nil
	case PushData:
		return decodePushData(token, data)
	case PullResp:
		var body pullRespBody
		if err := unmarshalBody(data[headerSize:], &body); err != nil {
			return nil, err
		}
		if body.TXPK == nil {
			return nil, fmt.Errorf("%w: txpk is required", ErrInvalidBody)
		}
		if err := body.TXPK.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
		return PullRespPacket{RandomToken: token, TXPK: *body.TXPK}, nil
	case TXACK:
		eui, rest, err := splitEUI(data)
		if err != nil {
			return nil, err
		}
		p := TXACKPacket{RandomToken: token, GatewayEUI: eui, Ack: TXPKACK{Error: TxErrNone}}
		if len(rest) == 0 {
			return p, nil
		}
		var body txAckBody
		if err := unmarshalBody(rest, &body); err != nil {
			return nil, err
		}
		if body.TXPKACK != nil {
			p.Ack = *body.TXPKACK
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, data[3])
}

func decodePushData(token uint16, data []byte) (Packet, error) {
	eui, rest, err := splitEUI(data)
	if err != nil {
		return nil, err
	}
	var body pushDataBody
	if err := unmarshalBody(rest, &body); err != nil {
		return nil, err
	}
	if len(body.RXPK) == 0 {
		if body.Stat == nil {
			return nil, fmt.Errorf("%w: rxpk or stat is required", ErrInvalidBody)
		}
		return StatPacket{RandomToken: token, GatewayEUI: eui, Stat: *body.Stat}, nil
	}
	for i, rx := range body.RXPK {
		if err := rx.validate(); err != nil {
			return nil, fmt.Errorf("%w: rxpk[%d]: %v", ErrInvalidBody, i, err)
		}
	}
	return PushDataPacket{RandomToken: token, GatewayEUI: eui, RXPK: body.RXPK, Stat: body.Stat}, nil
}

func splitEUI(data []byte) (EUI64, []byte, error) {
	var eui EUI64
	if len(data) < euiHeaderSize {
		return eui, nil, fmt.Errorf("%w: %d bytes, at least %d expected", ErrMalformedHeader, len(data), euiHeaderSize)
	}
	copy(eui[:], data[headerSize:euiHeaderSize])
	return eui, data[euiHeaderSize:], nil
}

func unmarshalBody(b []byte, v any) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidBody)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}

func marshal(k Kind, token uint16, eui *EUI64, body any) ([]byte, error) {
	out := make([]byte, headerSize, euiHeaderSize+256)
	out[0] = ProtocolVersion2
	binary.LittleEndian.PutUint16(out[1:3], token)
	out[3] = k.identifier()
	if eui != nil {
		out = append(out, eui[:]...)
	}
	if body == nil {
		return out, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("semtech: marshal %s body: %w", k, err)
	}
	return append(out, b...), nil
}
