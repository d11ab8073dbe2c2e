package kite

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Packet lengths of the binary ticker protocol
const (
	packetLTP        = 8
	packetIndexQuote = 28
	packetIndexFull  = 32
	packetQuote      = 44
	packetFull       = 184
)

// Exchange segments encoded in the low byte of the instrument token
const (
	segmentCDS     = 3
	segmentBCD     = 6
	segmentIndices = 9
)

// -----------------------------------------------------------------------------

// quotePacket is one decoded instrument packet, prices already scaled.
type quotePacket struct {
	Token             uint32
	Mode              string
	Tradable          bool
	LastPrice         float64
	LastTradedQty     uint32
	AverageTradePrice float64
	Volume            uint32
	TotalBuyQty       uint32
	TotalSellQty      uint32
	Open              float64
	High              float64
	Low               float64
	Close             float64
	NetChange         float64
	LastTradeTime     time.Time
	OI                uint32
	OIDayHigh         uint32
	OIDayLow          uint32
	ExchangeTimestamp time.Time
}

// -----------------------------------------------------------------------------

// parseBinary splits a binary frame into packets. A 1-byte frame is a
// heartbeat and yields no packets.
func parseBinary(data []byte) ([]quotePacket, error) {
	if len(data) < 2 {
		return nil, nil
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	packets := make([]quotePacket, 0, count)
	offset := 2

	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return packets, fmt.Errorf("truncated frame: packet %d header at offset %d", i, offset)
		}
		size := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+size > len(data) {
			return packets, fmt.Errorf("truncated frame: packet %d wants %d bytes at offset %d", i, size, offset)
		}

		p, err := parsePacket(data[offset : offset+size])
		if err != nil {
			return packets, err
		}
		packets = append(packets, p)
		offset += size
	}

	return packets, nil
}

// -----------------------------------------------------------------------------

func parsePacket(b []byte) (quotePacket, error) {
	if len(b) < 8 {
		return quotePacket{}, fmt.Errorf("packet too short: %d bytes", len(b))
	}

	token := binary.BigEndian.Uint32(b[0:4])
	segment := token & 0xFF
	divisor := priceDivisor(segment)
	price := func(off int) float64 {
		return float64(int32(binary.BigEndian.Uint32(b[off:off+4]))) / divisor
	}
	u32 := func(off int) uint32 {
		return binary.BigEndian.Uint32(b[off : off+4])
	}
	ts := func(off int) time.Time {
		sec := int64(u32(off))
		if sec == 0 {
			return time.Time{}
		}
		return time.Unix(sec, 0)
	}

	p := quotePacket{
		Token:     token,
		Tradable:  segment != segmentIndices,
		LastPrice: price(4),
	}

	switch len(b) {
	case packetLTP:
		p.Mode = "ltp"

	case packetIndexQuote, packetIndexFull:
		p.Mode = "quote"
		p.High = price(8)
		p.Low = price(12)
		p.Open = price(16)
		p.Close = price(20)
		p.NetChange = price(24)
		if len(b) == packetIndexFull {
			p.Mode = "full"
			p.ExchangeTimestamp = ts(28)
		}

	case packetQuote, packetFull:
		p.Mode = "quote"
		p.LastTradedQty = u32(8)
		p.AverageTradePrice = price(12)
		p.Volume = u32(16)
		p.TotalBuyQty = u32(20)
		p.TotalSellQty = u32(24)
		p.Open = price(28)
		p.High = price(32)
		p.Low = price(36)
		p.Close = price(40)
		if len(b) == packetFull {
			p.Mode = "full"
			p.LastTradeTime = ts(44)
			p.OI = u32(48)
			p.OIDayHigh = u32(52)
			p.OIDayLow = u32(56)
			p.ExchangeTimestamp = ts(60)
			// Bytes 64..184 carry market depth, not used downstream
		}

	default:
		return quotePacket{}, fmt.Errorf("unknown packet length %d for token %d", len(b), token)
	}

	return p, nil
}

// -----------------------------------------------------------------------------

func priceDivisor(segment uint32) float64 {
	switch segment {
	case segmentCDS:
		return 10000000.0
	case segmentBCD:
		return 10000.0
	default:
		return 100.0
	}
}
