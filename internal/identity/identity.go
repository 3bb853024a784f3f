package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MinKeyBits  = 2048
	validity    = 1
	orgUnit     = "Microsoft Monitoring Agent"
	orgName     = "Microsoft"
	pemCertType = "CERTIFICATE"
	pemKeyType  = "PRIVATE KEY"
)

var (
	oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidOrgUnit    = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidOrg        = asn1.ObjectIdentifier{2, 5, 4, 10}
)

// AgentIdentity is a self-signed client certificate registered with the
// workspace topology service.
type AgentIdentity struct {
	AgentGUID   string
	WorkspaceID string
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
	// Password protects the exported key material.
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func Generate(workspaceID string, now time.Time, keyBits int) (*AgentIdentity, error) {
	if keyBits < MinKeyBits {
		return nil, fmt.Errorf("rsa key size %d below minimum %d", keyBits, MinKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	serial.Add(serial, big.NewInt(1))

	agentGUID := "{" + uuid.NewString() + "}"
	subject := pkix.Name{
		ExtraNames: []pkix.AttributeTypeAndValue{
			{Type: oidCommonName, Value: workspaceID},
			{Type: oidCommonName, Value: agentGUID},
			{Type: oidOrgUnit, Value: orgUnit},
			{Type: oidOrg, Value: orgName},
		},
	}
	notBefore := now.UTC().Truncate(24 * time.Hour)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(validity, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &AgentIdentity{
		AgentGUID:   agentGUID,
		WorkspaceID: workspaceID,
		Certificate: cert,
		PrivateKey:  key,
		Password:    strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// SubjectCommonNames returns the CN values in encoded order: workspace id, then agent GUID.
func SubjectCommonNames(cert *x509.Certificate) []string {
	var out []string
	for _, atv := range cert.Subject.Names {
		if atv.Type.Equal(oidCommonName) {
			if s, ok := atv.Value.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func (id *AgentIdentity) CertificateDER() []byte {
	return id.Certificate.Raw
}

func (id *AgentIdentity) CertificatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertType, Bytes: id.Certificate.Raw})
}

func (id *AgentIdentity) PrivateKeyDER() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(id.PrivateKey)
}

func (id *AgentIdentity) PrivateKeyPEM() ([]byte, error) {
	der, err := id.PrivateKeyDER()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemKeyType, Bytes: der}), nil
}

func (id *AgentIdentity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// HTTPClient returns a client presenting this identity for mutual TLS.
// base may carry RootCAs; it is cloned, never modified.
func (id *AgentIdentity) HTTPClient(base *tls.Config, timeout time.Duration) *http.Client {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	cfg.Certificates = []tls.Certificate{id.TLSCertificate()}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:   cfg,
			ForceAttemptHTTP2: false,
			DisableKeepAlives: true,
		},
	}
}

func (id *AgentIdentity) Age(now time.Time) time.Duration {
	return now.Sub(id.UpdatedAt)
}

func fromDER(certDER, keyDER []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse stored certificate: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse stored key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, errors.New("stored key is not rsa")
	}
	return cert, key, nil
}

func decodePEM(data []byte, want string) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != want {
		return nil, fmt.Errorf("no %s pem block", strings.ToLower(want))
	}
	return block.Bytes, nil
}
