package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/codec"
)

// HubMetric is the metric shape IoT Edge devices route through the hub.
type HubMetric struct {
	TimeGeneratedUtc time.Time         `json:"TimeGeneratedUtc"`
	Name             string            `json:"Name"`
	Value            float64           `json:"Value"`
	Labels           map[string]string `json:"Labels"`
}

func (m HubMetric) Record() Record {
	return NewMetric(m.Name, m.Value, m.TimeGeneratedUtc, m.Labels)
}

// EdgeLog is one line of an UploadModuleLogs archive.
type EdgeLog struct {
	IoTHub    string    `json:"iothub"`
	DeviceID  string    `json:"device"`
	ModuleID  string    `json:"id"`
	Stream    string    `json:"stream"`
	LogLevel  int       `json:"loglevel"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func (l EdgeLog) Record() Record {
	tags := map[string]string{
		TagIoTHub:   l.IoTHub,
		TagDeviceID: l.DeviceID,
		TagModuleID: l.ModuleID,
		TagStream:   l.Stream,
		TagLogLevel: strconv.Itoa(l.LogLevel),
	}
	return NewLog(l.ModuleID, l.Text, l.Timestamp, tags)
}

func ParseHubMetrics(data []byte) ([]Record, error) {
	var metrics []HubMetric
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, fmt.Errorf("decode hub metrics: %w", err)
	}
	out := make([]Record, 0, len(metrics))
	for _, m := range metrics {
		if m.Name == "" {
			continue
		}
		if m.TimeGeneratedUtc.IsZero() {
			m.TimeGeneratedUtc = time.Now()
		}
		out = append(out, m.Record())
	}
	return out, nil
}

// ParseEdgeLogs decodes a log archive. encoding is "gzip" for archives
// uploaded by the edge agent and empty for plain JSON.
func ParseEdgeLogs(data []byte, encoding string, maxTextBytes int) ([]Record, error) {
	if strings.EqualFold(encoding, "gzip") {
		raw, err := codec.DecompressArchive(data)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	var logs []EdgeLog
	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, fmt.Errorf("decode edge logs: %w", err)
	}
	out := make([]Record, 0, len(logs))
	for _, l := range logs {
		if maxTextBytes > 0 {
			l.Text = TruncateBytes(l.Text, maxTextBytes)
		}
		if l.Timestamp.IsZero() {
			l.Timestamp = time.Now()
		}
		out = append(out, l.Record())
	}
	return out, nil
}
