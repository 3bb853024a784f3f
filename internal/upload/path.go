package upload

import "fmt"

type Path int

const (
	// SharedKeyCustomTable posts JSON rows to the data collector API,
	// signed with the workspace key.
	SharedKeyCustomTable Path = iota
	// CertificateFixedTable posts InsightsMetrics items over mutual TLS
	// with the registered agent certificate.
	CertificateFixedTable
)

func (p Path) String() string {
	switch p {
	case SharedKeyCustomTable:
		return "custom_table"
	case CertificateFixedTable:
		return "fixed_table"
	default:
		return fmt.Sprintf("path(%d)", int(p))
	}
}

const (
	mib = 1 << 20

	DefaultCustomTableMaxBytes = 1 * mib
	DefaultFixedTableMaxBytes  = 30 * mib
	DefaultMaxAttempts         = 3
)

type PathConfig struct {
	MaxPayloadBytes int
	Compress        bool
	MaxAttempts     int
}

func DefaultPathConfig(p Path) PathConfig {
	if p == CertificateFixedTable {
		return PathConfig{MaxPayloadBytes: DefaultFixedTableMaxBytes, Compress: true, MaxAttempts: DefaultMaxAttempts}
	}
	return PathConfig{MaxPayloadBytes: DefaultCustomTableMaxBytes, MaxAttempts: DefaultMaxAttempts}
}

func (c PathConfig) withDefaults(p Path) PathConfig {
	def := DefaultPathConfig(p)
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// Target names the destination resource and, for the custom table path,
// the table (Log-Type) rows land in.
type Target struct {
	ResourceID string
	LogType    string
}

func CustomTableURL(workspaceID, domainSuffix, apiVersion string) string {
	return fmt.Sprintf("https://%s.ods.%s/api/logs?api-version=%s", workspaceID, domainSuffix, apiVersion)
}

func FixedTableURL(workspaceID, domainSuffix string) string {
	return fmt.Sprintf("https://%s.oms.%s/OperationalData.svc/PostJsonDataItems", workspaceID, domainSuffix)
}
