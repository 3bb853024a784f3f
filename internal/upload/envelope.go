package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

const (
	metricsDataType  = "INSIGHTS_METRICS_BLOB"
	metricsIPName    = "ContainerInsights"
	metricsOrigin    = "iot.azm.ms"
	metricsNamespace = "metricsCollector"
)

// DataItem is one InsightsMetrics row on the fixed table path.
type DataItem struct {
	Origin         string    `json:"Origin"`
	Namespace      string    `json:"Namespace"`
	Name           string    `json:"Name"`
	Value          float64   `json:"Value"`
	CollectionTime time.Time `json:"CollectionTime"`
	// Tags is the label map encoded as a JSON string.
	Tags     string `json:"Tags"`
	Computer string `json:"Computer"`
}

type fixedEnvelope struct {
	DataType  string            `json:"DataType"`
	IPName    string            `json:"IPName"`
	DataItems []json.RawMessage `json:"DataItems"`
}

var errNonFinite = errors.New("metric value is not a finite number")

// customRow flattens a record into one data collector row. Tags become
// columns; the record's own fields win on collision. Log rows use the
// module log table columns: iotHub, deviceId, moduleId, stream, logLevel
// (numeric), message and timestamp.
func customRow(r telemetry.Record) map[string]any {
	row := make(map[string]any, len(r.Tags)+4)
	for k, v := range r.Tags {
		row[k] = v
	}
	row["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	switch r.Kind {
	case telemetry.KindLog:
		row["message"] = r.Text
		if _, ok := row[telemetry.TagModuleID]; !ok {
			row[telemetry.TagModuleID] = r.Name
		}
		if level, err := strconv.Atoi(r.Tag(telemetry.TagLogLevel)); err == nil {
			row[telemetry.TagLogLevel] = level
		}
	default:
		row["name"] = r.Name
		row["value"] = r.Value
	}
	return row
}

func dataItem(r telemetry.Record, computer string) (DataItem, error) {
	if r.Kind != telemetry.KindMetric {
		return DataItem{}, fmt.Errorf("fixed table accepts metrics only, got %s", r.Kind)
	}
	tags := r.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	rawTags, err := json.Marshal(tags)
	if err != nil {
		return DataItem{}, fmt.Errorf("encode tags: %w", err)
	}
	if dev := r.Tag(telemetry.TagDeviceID); dev != "" {
		computer = dev
	}
	return DataItem{
		Origin:         metricsOrigin,
		Namespace:      metricsNamespace,
		Name:           r.Name,
		Value:          r.Value,
		CollectionTime: r.Timestamp.UTC(),
		Tags:           string(rawTags),
		Computer:       computer,
	}, nil
}

// encodeItem renders one record as the JSON element its path uploads.
func encodeItem(r telemetry.Record, p Path, computer string) (json.RawMessage, error) {
	if r.Kind == telemetry.KindMetric && (math.IsNaN(r.Value) || math.IsInf(r.Value, 0)) {
		return nil, errNonFinite
	}
	var v any
	if p == CertificateFixedTable {
		item, err := dataItem(r, computer)
		if err != nil {
			return nil, err
		}
		v = item
	} else {
		v = customRow(r)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// encodeBatch serializes already-encoded items into the request body.
func encodeBatch(items []json.RawMessage, p Path) ([]byte, error) {
	if p == CertificateFixedTable {
		return json.Marshal(fixedEnvelope{DataType: metricsDataType, IPName: metricsIPName, DataItems: items})
	}
	return json.Marshal(items)
}

// envelopeOverhead is the body size of an empty batch beyond the bare "[]".
func envelopeOverhead(p Path) int {
	if p != CertificateFixedTable {
		return 0
	}
	empty, _ := encodeBatch([]json.RawMessage{}, p)
	return len(empty) - 2
}
