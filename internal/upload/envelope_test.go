package upload

import (
	"encoding/json"
	"testing"

	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

func TestCustomRowFlattensTags(t *testing.T) {
	t.Parallel()

	r := telemetry.NewMetric("temperature", 21.5, testNow, map[string]string{"sensor": "s1", "value": "shadowed"})
	row := customRow(r)
	if row["sensor"] != "s1" || row["name"] != "temperature" || row["value"] != 21.5 {
		t.Fatalf("row = %v", row)
	}
	if row["timestamp"] != "2026-10-19T08:30:00Z" {
		t.Fatalf("timestamp = %v", row["timestamp"])
	}
}

func TestCustomRowUsesLogTableColumns(t *testing.T) {
	t.Parallel()

	r := telemetry.NewLog("edgeHub", "route started", testNow, map[string]string{
		telemetry.TagIoTHub:   "hub.azure-devices.net",
		telemetry.TagDeviceID: "dev-1",
		telemetry.TagStream:   "stderr",
		telemetry.TagLogLevel: "3",
	})
	row := customRow(r)
	want := map[string]any{
		"iotHub":    "hub.azure-devices.net",
		"deviceId":  "dev-1",
		"moduleId":  "edgeHub",
		"stream":    "stderr",
		"logLevel":  3,
		"message":   "route started",
		"timestamp": "2026-10-19T08:30:00Z",
	}
	if len(row) != len(want) {
		t.Fatalf("row = %v, want %v", row, want)
	}
	for k, v := range want {
		if row[k] != v {
			t.Fatalf("row[%q] = %#v, want %#v", k, row[k], v)
		}
	}
}

func TestEnvelopeOverheadMatchesEncoding(t *testing.T) {
	t.Parallel()

	items := []json.RawMessage{json.RawMessage(`{"a":1}`), json.RawMessage(`{"b":2}`)}
	body, err := encodeBatch(items, CertificateFixedTable)
	if err != nil {
		t.Fatalf("encodeBatch() error = %v", err)
	}
	array, _ := encodeBatch(items, SharedKeyCustomTable)
	if len(body) != len(array)+envelopeOverhead(CertificateFixedTable) {
		t.Fatalf("envelope size %d != array %d + overhead %d", len(body), len(array), envelopeOverhead(CertificateFixedTable))
	}
	if envelopeOverhead(SharedKeyCustomTable) != 0 {
		t.Fatalf("custom table has no envelope")
	}
}

func TestEndpointURLs(t *testing.T) {
	t.Parallel()

	if got := CustomTableURL("ws", "opinsights.azure.com", "2016-04-01"); got != "https://ws.ods.opinsights.azure.com/api/logs?api-version=2016-04-01" {
		t.Fatalf("CustomTableURL() = %q", got)
	}
	if got := FixedTableURL("ws", "opinsights.azure.com"); got != "https://ws.oms.opinsights.azure.com/OperationalData.svc/PostJsonDataItems" {
		t.Fatalf("FixedTableURL() = %q", got)
	}
}
