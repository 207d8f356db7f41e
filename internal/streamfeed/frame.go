package streamfeed

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/btcdatapipe/pipeline/internal/domain"
)

// Template IDs this schema version documents; anything else is unknown.
const (
	TemplateTrade      uint16 = 1
	TemplateBestBidAsk uint16 = 2
	TemplateDepth      uint16 = 3
)

// ErrSchemaMismatch is returned when a frame's (schemaId, version) pair
// doesn't match what the client was configured to expect.
var ErrSchemaMismatch = fmt.Errorf("streamfeed: schema/version mismatch")

// ErrUnknownTemplate is returned in strict mode for an undocumented
// templateId.
var ErrUnknownTemplate = fmt.Errorf("streamfeed: unknown template id")

// frameHeader is the fixed 8-byte prefix of every binary message.
type frameHeader struct {
	BlockLength uint16
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
}

const headerSize = 8
const symbolFieldSize = 12

// SchemaConfig pins the (schemaId, version) pair this client accepts and
// whether unknown template IDs should be dropped (strict) or treated as
// trade (lax, first-day compatibility only per §9's open question).
type SchemaConfig struct {
	SchemaID uint16
	Version  uint16
	Strict   bool
}

// Message is the decoded, domain-normalized output of one frame.
type Message struct {
	Type string // "trade", "bestBidAsk", "depth"
	Raw  interface{}
}

// decodeFrame parses the fixed header and the template-specific body,
// reconstructing decimal fields from (mantissa, exponent) pairs so no
// value passes through a binary float.
func decodeFrame(cfg SchemaConfig, raw []byte) (Message, error) {
	if len(raw) < headerSize {
		return Message{}, fmt.Errorf("streamfeed: frame shorter than header (%d bytes)", len(raw))
	}
	r := bytes.NewReader(raw)
	var hdr frameHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return Message{}, fmt.Errorf("streamfeed: read header: %w", err)
	}
	if hdr.SchemaID != cfg.SchemaID || hdr.Version != cfg.Version {
		return Message{}, ErrSchemaMismatch
	}

	switch hdr.TemplateID {
	case TemplateTrade:
		return decodeTrade(r)
	case TemplateBestBidAsk:
		return decodeBBA(r)
	case TemplateDepth:
		return decodeDepth(r)
	default:
		if cfg.Strict {
			return Message{}, ErrUnknownTemplate
		}
		return decodeTrade(r)
	}
}

func readMantissaExp(r *bytes.Reader) (decimal.Decimal, error) {
	var mantissa int64
	var exponent int8
	if err := binary.Read(r, binary.LittleEndian, &mantissa); err != nil {
		return decimal.Decimal{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &exponent); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.New(mantissa, int32(exponent)), nil
}

func readSymbol(r *bytes.Reader) (string, error) {
	buf := make([]byte, symbolFieldSize)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf, "\x00")), nil
}

type rawTradeFrame struct {
	EventTS      int64
	TradeID      int64
	Price        decimal.Decimal
	Qty          decimal.Decimal
	IsBuyerMaker bool
	Symbol       string
}

func decodeTrade(r *bytes.Reader) (Message, error) {
	var eventTS, tradeID int64
	if err := binary.Read(r, binary.LittleEndian, &eventTS); err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &tradeID); err != nil {
		return Message{}, err
	}
	price, err := readMantissaExp(r)
	if err != nil {
		return Message{}, err
	}
	qty, err := readMantissaExp(r)
	if err != nil {
		return Message{}, err
	}
	var makerByte byte
	if err := binary.Read(r, binary.LittleEndian, &makerByte); err != nil {
		return Message{}, err
	}
	symbol, err := readSymbol(r)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: "trade", Raw: rawTradeFrame{
		EventTS: eventTS, TradeID: tradeID, Price: price, Qty: qty,
		IsBuyerMaker: makerByte != 0, Symbol: symbol,
	}}, nil
}

type rawBBAFrame struct {
	EventTS int64
	BidPx   decimal.Decimal
	BidSz   decimal.Decimal
	AskPx   decimal.Decimal
	AskSz   decimal.Decimal
	Symbol  string
}

func decodeBBA(r *bytes.Reader) (Message, error) {
	var eventTS int64
	if err := binary.Read(r, binary.LittleEndian, &eventTS); err != nil {
		return Message{}, err
	}
	bidPx, err := readMantissaExp(r)
	if err != nil {
		return Message{}, err
	}
	bidSz, err := readMantissaExp(r)
	if err != nil {
		return Message{}, err
	}
	askPx, err := readMantissaExp(r)
	if err != nil {
		return Message{}, err
	}
	askSz, err := readMantissaExp(r)
	if err != nil {
		return Message{}, err
	}
	symbol, err := readSymbol(r)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: "bestBidAsk", Raw: rawBBAFrame{
		EventTS: eventTS, BidPx: bidPx, BidSz: bidSz, AskPx: askPx, AskSz: askSz, Symbol: symbol,
	}}, nil
}

type rawDepthFrame struct {
	EventTS      int64
	LastUpdateID int64
	Bids         []domain.PriceLevel
	Asks         []domain.PriceLevel
	Symbol       string
}

func decodeDepth(r *bytes.Reader) (Message, error) {
	var eventTS, lastUpdateID int64
	var bidCount, askCount uint16
	if err := binary.Read(r, binary.LittleEndian, &eventTS); err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &lastUpdateID); err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &bidCount); err != nil {
		return Message{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &askCount); err != nil {
		return Message{}, err
	}
	bids, err := readLevels(r, int(bidCount))
	if err != nil {
		return Message{}, err
	}
	asks, err := readLevels(r, int(askCount))
	if err != nil {
		return Message{}, err
	}
	symbol, err := readSymbol(r)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: "depth", Raw: rawDepthFrame{
		EventTS: eventTS, LastUpdateID: lastUpdateID, Bids: bids, Asks: asks, Symbol: symbol,
	}}, nil
}

func readLevels(r *bytes.Reader, count int) ([]domain.PriceLevel, error) {
	levels := make([]domain.PriceLevel, 0, count)
	for i := 0; i < count; i++ {
		price, err := readMantissaExp(r)
		if err != nil {
			return nil, err
		}
		qty, err := readMantissaExp(r)
		if err != nil {
			return nil, err
		}
		levels = append(levels, domain.PriceLevel{Price: price, Qty: qty})
	}
	return levels, nil
}

// normalize rewrites a decoded frame to the domain shape: source="sbe",
// ingest_ts=now, symbol upper-cased (§4.5).
func normalize(msg Message, now time.Time) (interface{}, error) {
	ingestTS := now.UnixMilli()
	switch v := msg.Raw.(type) {
	case rawTradeFrame:
		return domain.Trade{
			Symbol: upper(v.Symbol), EventTS: v.EventTS, IngestTS: ingestTS,
			TradeID: v.TradeID, Price: v.Price, Qty: v.Qty,
			IsBuyerMaker: v.IsBuyerMaker, Source: domain.SourceSBE,
		}, nil
	case rawBBAFrame:
		return domain.BestBidAsk{
			Symbol: upper(v.Symbol), EventTS: v.EventTS, IngestTS: ingestTS,
			BidPx: v.BidPx, BidSz: v.BidSz, AskPx: v.AskPx, AskSz: v.AskSz,
			Source: domain.SourceSBE,
		}, nil
	case rawDepthFrame:
		var lastID *int64
		if v.LastUpdateID != 0 {
			id := v.LastUpdateID
			lastID = &id
		}
		return domain.DepthSnapshot{
			Symbol: upper(v.Symbol), EventTS: v.EventTS, IngestTS: ingestTS,
			Bids: v.Bids, Asks: v.Asks, LastUpdateID: lastID, Source: domain.SourceSBE,
		}, nil
	default:
		return nil, fmt.Errorf("streamfeed: unrecognized decoded frame %T", v)
	}
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
