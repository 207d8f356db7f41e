package domain

import "encoding/json"

// BusRecord is the envelope a producer publishes and a consumer receives.
// SequenceNumber and ArrivalTS are assigned by the bus on publish/receipt,
// never by the producer.
type BusRecord struct {
	StreamName     string `json:"stream_name"`
	PartitionKey   string `json:"partition_key"`
	MessageType    string `json:"message_type"`
	Data           []byte `json:"data"`
	SequenceNumber string `json:"sequence_number,omitempty"`
	ArrivalTS      int64  `json:"arrival_ts,omitempty"`
}

// FeatureRecord is the per-window aggregate written to the hot store.
// Fields beyond the common header vary by message type (§4.8); they are
// carried in Fields and flattened into the JSON value on write.
type FeatureRecord struct {
	Symbol         string                 `json:"symbol"`
	Timestamp      int64                  `json:"timestamp"`
	MessageCount   int                    `json:"message_count"`
	MessageType    string                 `json:"message_type"`
	FeatureVersion string                 `json:"feature_version"`
	Fields         map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Fields alongside the header fields into one object.
func (f FeatureRecord) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"symbol":          f.Symbol,
		"timestamp":       f.Timestamp,
		"message_count":   f.MessageCount,
		"message_type":    f.MessageType,
		"feature_version": f.FeatureVersion,
	}
	for k, v := range f.Fields {
		out[k] = v
	}
	return json.Marshal(out)
}
