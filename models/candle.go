package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecimalPlaces is the fixed precision applied to all price and volume
// columns at the writer boundary.
const DecimalPlaces = 4

// Candle is the canonical OHLCV row persisted to the ohlcvs table.
// Timestamp is UTC with minute precision; the primary key is
// (Timestamp, Exchange, BaseID, QuoteID).
type Candle struct {
	Timestamp time.Time
	Exchange  string
	BaseID    string
	QuoteID   string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Rounded returns a copy of the candle with all decimal columns rounded
// to DecimalPlaces.
func (c Candle) Rounded() Candle {
	c.Open = c.Open.Round(DecimalPlaces)
	c.High = c.High.Round(DecimalPlaces)
	c.Low = c.Low.Round(DecimalPlaces)
	c.Close = c.Close.Round(DecimalPlaces)
	c.Volume = c.Volume.Round(DecimalPlaces)
	return c
}

// MinuteAligned reports whether the candle timestamp sits exactly on a
// minute boundary.
func (c Candle) MinuteAligned() bool {
	return c.Timestamp.Second() == 0 && c.Timestamp.Nanosecond() == 0
}

// MillisecondsToTime converts a millisecond epoch timestamp to UTC time.
func MillisecondsToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TimeToMilliseconds converts a time to a millisecond epoch timestamp.
func TimeToMilliseconds(t time.Time) int64 {
	return t.UnixMilli()
}
