package identity

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/signing"
)

const (
	topologyNamespace = "http://schemas.microsoft.com/WorkloadMonitoring/HealthServiceProtocol/2014/09/"
	topologyVersion   = "August, 2014"
	registrarAgent    = "MonitoringAgent/OneAgent"
	// x-ms-Date for topology requests is a round-trip timestamp, not RFC1123.
	topologyDateLayout = "2006-01-02T15:04:05.0000000Z07:00"
)

type RegistrationError struct {
	StatusCode int
	Body       string
}

func (e *RegistrationError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("topology registration rejected: status %d", e.StatusCode)
	}
	return fmt.Sprintf("topology registration rejected: status %d: %s", e.StatusCode, e.Body)
}

// Registrar announces a freshly generated certificate to the workspace's
// agent topology service, authenticating with both the workspace key and
// the certificate itself.
type Registrar struct {
	WorkspaceID string
	Key         string
	URL         string
	HostName    string
	// TLSConfig is the base client config; nil uses system roots.
	TLSConfig *tls.Config
	Timeout   time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// TopologyURL builds https://{workspace}.{prefix}.{suffix}/AgentService.svc/AgentTopologyRequest.
func TopologyURL(workspaceID, prefix, suffix string) string {
	return fmt.Sprintf("https://%s.%s.%s/AgentService.svc/AgentTopologyRequest", workspaceID, prefix, suffix)
}

func (r *Registrar) Register(ctx context.Context, id *AgentIdentity) error {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	host := r.HostName
	if host == "" {
		host, _ = os.Hostname()
	}

	body := TopologyRequestBody(host, id)
	date := now().UTC().Format(topologyDateLayout)
	contentHash := signing.ContentHash(body)
	sig, err := signing.Topology(date, contentHash, r.Key)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("x-ms-Date", date)
	req.Header.Set("x-ms-version", topologyVersion)
	req.Header.Set("x-ms-SHA256_Content", contentHash)
	req.Header.Set("Authorization", r.WorkspaceID+"; "+sig)
	req.Header.Set("User-Agent", registrarAgent)
	req.Header.Set("Accept-Language", "en-US")

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	resp, err := id.HTTPClient(r.TLSConfig, timeout).Do(req)
	if err != nil {
		return fmt.Errorf("send registration: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return &RegistrationError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if r.Logger != nil {
		r.Logger.Info("agent registered", "agent_guid", id.AgentGUID, "host", host)
	}
	return nil
}

// TopologyRequestBody renders the AgentTopologyRequest document.
func TopologyRequestBody(host string, id *AgentIdentity) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString(`<AgentTopologyRequest xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns="`)
	b.WriteString(topologyNamespace)
	b.WriteString(`">`)
	writeElement(&b, "FullyQualfiedDomainName", host)
	writeElement(&b, "EntityTypeId", id.AgentGUID)
	writeElement(&b, "AuthenticationCertificate", base64.StdEncoding.EncodeToString(id.CertificateDER()))
	b.WriteString(`</AgentTopologyRequest>`)
	return b.Bytes()
}

func writeElement(b *bytes.Buffer, name, value string) {
	b.WriteString("<" + name + ">")
	_ = xml.EscapeText(b, []byte(value))
	b.WriteString("</" + name + ">")
}
