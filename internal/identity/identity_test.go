package identity

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	baseOnce sync.Once
	baseID   *AgentIdentity
	baseErr  error
)

var testNow = time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

// testIdentity returns a copy of one shared identity; RSA generation is slow.
func testIdentity(t *testing.T) *AgentIdentity {
	t.Helper()
	baseOnce.Do(func() {
		baseID, baseErr = Generate("ws-test", testNow, MinKeyBits)
	})
	if baseErr != nil {
		t.Fatalf("Generate() error = %v", baseErr)
	}
	cp := *baseID
	return &cp
}

func TestGenerateSubjectAndValidity(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 4, 17, 45, 0, 0, time.UTC)
	id, err := Generate("ws-123", now, MinKeyBits)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	cns := SubjectCommonNames(id.Certificate)
	if len(cns) != 2 || cns[0] != "ws-123" || cns[1] != id.AgentGUID {
		t.Fatalf("subject CNs = %v, want [ws-123 %s]", cns, id.AgentGUID)
	}
	if got := id.Certificate.Subject.OrganizationalUnit; len(got) != 1 || got[0] != "Microsoft Monitoring Agent" {
		t.Fatalf("OU = %v", got)
	}
	if got := id.Certificate.Subject.Organization; len(got) != 1 || got[0] != "Microsoft" {
		t.Fatalf("O = %v", got)
	}
	if !strings.HasPrefix(id.AgentGUID, "{") || !strings.HasSuffix(id.AgentGUID, "}") || len(id.AgentGUID) != 38 {
		t.Fatalf("agent guid %q is not a braced uuid", id.AgentGUID)
	}

	wantStart := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	if !id.Certificate.NotBefore.Equal(wantStart) {
		t.Fatalf("NotBefore = %v, want %v", id.Certificate.NotBefore, wantStart)
	}
	if want := wantStart.AddDate(1, 0, 0); !id.Certificate.NotAfter.Equal(want) {
		t.Fatalf("NotAfter = %v, want %v", id.Certificate.NotAfter, want)
	}
	if id.PrivateKey.N.BitLen() != 2048 {
		t.Fatalf("key bits = %d, want 2048", id.PrivateKey.N.BitLen())
	}
	if len(id.Certificate.ExtKeyUsage) != 1 || id.Certificate.ExtKeyUsage[0] != x509.ExtKeyUsageClientAuth {
		t.Fatalf("ext key usage = %v", id.Certificate.ExtKeyUsage)
	}
	if id.Certificate.SerialNumber.Sign() <= 0 {
		t.Fatalf("serial must be positive")
	}
	if len(id.Password) != 32 {
		t.Fatalf("password length = %d, want 32", len(id.Password))
	}
	if err := id.Certificate.CheckSignatureFrom(id.Certificate); err != nil {
		t.Fatalf("certificate is not self-signed: %v", err)
	}
}

func TestGenerateRejectsSmallKeys(t *testing.T) {
	t.Parallel()

	if _, err := Generate("ws", testNow, 1024); err == nil {
		t.Fatalf("expected error for 1024-bit key")
	}
}

func TestPEMExportsLoadAsKeyPair(t *testing.T) {
	t.Parallel()

	id := testIdentity(t)
	keyPEM, err := id.PrivateKeyPEM()
	if err != nil {
		t.Fatalf("PrivateKeyPEM() error = %v", err)
	}
	block, _ := pem.Decode(id.CertificatePEM())
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("certificate pem block missing")
	}
	pair, err := tls.X509KeyPair(id.CertificatePEM(), keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair() error = %v", err)
	}
	if string(pair.Certificate[0]) != string(id.CertificateDER()) {
		t.Fatalf("key pair certificate mismatch")
	}
	if tc := id.TLSCertificate(); tc.Leaf != id.Certificate || tc.PrivateKey != id.PrivateKey {
		t.Fatalf("TLSCertificate() does not carry identity material")
	}
}
