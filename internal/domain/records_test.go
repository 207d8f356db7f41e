package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestTradeNaturalIDUsesTradeID(t *testing.T) {
	tr := Trade{TradeID: 12345}
	require.Equal(t, "12345", tr.NaturalID())
	require.Equal(t, "trades", tr.DataType())
}

func TestDepthSnapshotNaturalIDPrefersLastUpdateID(t *testing.T) {
	updateID := int64(999)
	withUpdate := DepthSnapshot{EventTS: 1700000000000, LastUpdateID: &updateID}
	require.Equal(t, "999", withUpdate.NaturalID())

	withoutUpdate := DepthSnapshot{EventTS: 1700000000000}
	require.Equal(t, "1700000000000", withoutUpdate.NaturalID())
}

func TestKlineNaturalIDUsesOpenTime(t *testing.T) {
	k := Kline{OpenTime: 1700000000000, Close: decimal.NewFromFloat(100.5)}
	require.Equal(t, "1700000000000", k.NaturalID())
	require.Equal(t, "klines", k.DataType())
}

func TestValidTimestampBounds(t *testing.T) {
	require.True(t, ValidTimestamp(MinValidTS))
	require.True(t, ValidTimestamp(MaxValidTS))
	require.False(t, ValidTimestamp(MinValidTS-1))
	require.False(t, ValidTimestamp(MaxValidTS+1))
}

func TestErrValidationMessage(t *testing.T) {
	err := &ErrValidation{Field: "price", Reason: "must be positive"}
	require.Equal(t, `validation: field "price": must be positive`, err.Error())
}

func TestFeatureRecordMarshalJSONFlattensFields(t *testing.T) {
	f := FeatureRecord{
		Symbol:         "BTCUSDT",
		Timestamp:      1700000000000,
		MessageCount:   5,
		MessageType:    "aggTrades",
		FeatureVersion: "v1",
		Fields: map[string]interface{}{
			"vwap":   100.25,
			"volume": 12.5,
		},
	}

	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, "BTCUSDT", out["symbol"])
	require.Equal(t, "aggTrades", out["message_type"])
	require.Equal(t, 100.25, out["vwap"])
	require.Equal(t, 12.5, out["volume"])
}
