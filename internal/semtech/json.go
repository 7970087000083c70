package semtech

import (
	"encoding/base64"
	"errors"
	"time"
)

// Time layouts used in JSON bodies.
const (
	CompactTimeLayout  = "2006-01-02T15:04:05.000000Z"
	ExpandedTimeLayout = "2006-01-02 15:04:05 GMT"
)

// TX_ACK error codes.
const (
	TxErrNone            = "NONE"
	TxErrTooLate         = "TOO_LATE"
	TxErrTooEarly        = "TOO_EARLY"
	TxErrCollisionPacket = "COLLISION_PACKET"
	TxErrCollisionBeacon = "COLLISION_BEACON"
	TxErrFreq            = "TX_FREQ"
	TxErrPower           = "TX_POWER"
	TxErrGPSUnlocked     = "GPS_UNLOCKED"
)

// RXPK is one received radio packet inside a PUSH_DATA body.
type RXPK struct {
	Time string  `json:"time,omitempty"` // UTC, compact ISO 8601
	Tmst uint32  `json:"tmst"`           // radio clock, microseconds
	Chan uint8   `json:"chan"`
	RFCh uint8   `json:"rfch"`
	Freq float64 `json:"freq"` // MHz
	Stat int8    `json:"stat"` // 1 CRC ok, -1 CRC fail, 0 no CRC
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	RSSI int16   `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size uint16  `json:"size"`
	Data string  `json:"data"` // base64
}

// Stat is the gateway status record carried by a PUSH_DATA body.
type Stat struct {
	Time string  `json:"time"`
	Lati float64 `json:"lati"`
	Long float64 `json:"long"`
	Alti int32   `json:"alti"`
	RXNb uint32  `json:"rxnb"`
	RXOK uint32  `json:"rxok"`
	RXFW uint32  `json:"rxfw"`
	ACKR float64 `json:"ackr"`
	DWNb uint32  `json:"dwnb"`
	TXNb uint32  `json:"txnb"`
}

// TXPK is the downlink request carried by a PULL_RESP body.
type TXPK struct {
	Imme bool    `json:"imme,omitempty"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh uint8   `json:"rfch"`
	Powe *int    `json:"powe,omitempty"` // dBm
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	IPol bool    `json:"ipol,omitempty"`
	Prea uint16  `json:"prea,omitempty"`
	Size uint16  `json:"size"`
	Data string  `json:"data"`
	NCRC bool    `json:"ncrc,omitempty"`
}

// TXPKACK reports the outcome of a PULL_RESP.
type TXPKACK struct {
	Error string `json:"error"`
}

type pushDataBody struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

type pullRespBody struct {
	TXPK *TXPK `json:"txpk"`
}

type txAckBody struct {
	TXPKACK *TXPKACK `json:"txpk_ack,omitempty"`
}

// Payload returns the decoded radio payload of the record.
func (r RXPK) Payload() ([]byte, error) {
	return decodeData(r.Data)
}

// Payload returns the decoded radio payload of the downlink.
func (t TXPK) Payload() ([]byte, error) {
	return decodeData(t.Data)
}

// FormatCompactTime formats t for the rxpk "time" field.
func FormatCompactTime(t time.Time) string {
	return t.UTC().Format(CompactTimeLayout)
}

// FormatExpandedTime formats t for the stat "time" field.
func FormatExpandedTime(t time.Time) string {
	return t.UTC().Format(ExpandedTimeLayout)
}

// padding is optional on the wire
func decodeData(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func (r RXPK) validate() error {
	switch {
	case r.Freq <= 0:
		return errors.New("rxpk: freq is required")
	case r.DatR == "":
		return errors.New("rxpk: datr is required")
	case r.Data == "":
		return errors.New("rxpk: data is required")
	}
	if _, err := decodeData(r.Data); err != nil {
		return errors.New("rxpk: data is not base64")
	}
	return nil
}

func (t TXPK) validate() error {
	switch {
	case t.Freq <= 0:
		return errors.New("txpk: freq is required")
	case t.DatR == "":
		return errors.New("txpk: datr is required")
	case t.Data == "":
		return errors.New("txpk: data is required")
	case !t.Imme && t.Tmst == nil:
		return errors.New("txpk: one of imme or tmst is required")
	}
	if _, err := decodeData(t.Data); err != nil {
		return errors.New("txpk: data is not base64")
	}
	return nil
}
