package telemetry

import (
	"maps"
	"time"
	"unicode/utf8"
)

type Kind string

const (
	KindMetric Kind = "metric"
	KindLog    Kind = "log"
)

// Well-known tag keys carried by log records.
const (
	TagIoTHub   = "iotHub"
	TagDeviceID = "deviceId"
	TagModuleID = "moduleId"
	TagStream   = "stream"
	TagLogLevel = "logLevel"
)

// Record is one metric sample or log line. Treat it as immutable once built;
// the constructors copy the tag map they are given.
type Record struct {
	Kind      Kind              `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Name      string            `json:"name"`
	Value     float64           `json:"value,omitempty"`
	Text      string            `json:"text,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

func NewMetric(name string, value float64, ts time.Time, tags map[string]string) Record {
	return Record{
		Kind:      KindMetric,
		Timestamp: ts.UTC(),
		Name:      name,
		Value:     value,
		Tags:      maps.Clone(tags),
	}
}

func NewLog(name, text string, ts time.Time, tags map[string]string) Record {
	return Record{
		Kind:      KindLog,
		Timestamp: ts.UTC(),
		Name:      name,
		Text:      text,
		Tags:      maps.Clone(tags),
	}
}

func (r Record) Tag(key string) string {
	return r.Tags[key]
}

func SplitByKind(records []Record) (metrics []Record, logs []Record) {
	for _, r := range records {
		switch r.Kind {
		case KindMetric:
			metrics = append(metrics, r)
		case KindLog:
			logs = append(logs, r)
		}
	}
	return metrics, logs
}

// TruncateBytes cuts input to at most maxBytes without splitting a UTF-8
// sequence.
func TruncateBytes(input string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(input) <= maxBytes {
		return input
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	return input[:cut]
}
