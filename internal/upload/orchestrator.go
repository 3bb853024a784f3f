package upload

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kon-rad/edge-telemetry-shipper/internal/chunk"
	"github.com/kon-rad/edge-telemetry-shipper/internal/codec"
	"github.com/kon-rad/edge-telemetry-shipper/internal/identity"
	"github.com/kon-rad/edge-telemetry-shipper/internal/signing"
	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

const DefaultRequestTimeout = 30 * time.Second

// ErrNotSent marks batches skipped because the call ended early.
var ErrNotSent = errors.New("batch not sent")

type StatusError struct {
	Path       Path
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s upload rejected: status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s upload rejected: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// IdentitySource hands out the client certificate for the fixed table path.
// identity.Manager implements it.
type IdentitySource interface {
	Current(ctx context.Context) (*identity.AgentIdentity, error)
	Invalidate(id *identity.AgentIdentity) bool
}

type Config struct {
	WorkspaceID  string
	WorkspaceKey string

	CustomTableURL string
	FixedTableURL  string
	CustomTable    PathConfig
	FixedTable     PathConfig

	// Concurrency above 1 uploads batches of one call in parallel.
	Concurrency    int
	RequestTimeout time.Duration
	// FailureLogWindow rate-limits repeated failure warnings per path.
	FailureLogWindow time.Duration
	// Version is reported in the fixed table User-Agent.
	Version string
	// Computer labels fixed table rows lacking a deviceId tag.
	Computer string

	Identity IdentitySource
	// TLSConfig is the base for mutual TLS clients; nil uses system roots.
	TLSConfig *tls.Config
	// HTTPClient serves the shared-key path.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

type BatchOutcome struct {
	Index int
	// Indices are the positions in the uploaded slice this batch carried.
	Indices []int
	// Bytes is the serialized body size before compression.
	Bytes     int
	WireBytes int
	Attempts  int
	Status    int
	Err       error
}

func (b BatchOutcome) OK() bool {
	return b.Err == nil
}

type Rejected struct {
	Index int
	Err   error
}

type Result struct {
	Batches     []BatchOutcome
	Succeeded   int
	Failed      int
	RecordsSent int
	// Rejected records could not be encoded for the path and were never sent.
	Rejected []Rejected
}

// SentIndices lists positions of records delivered by successful batches.
func (r Result) SentIndices() []int {
	var out []int
	for _, b := range r.Batches {
		if b.OK() {
			out = append(out, b.Indices...)
		}
	}
	return out
}

type Orchestrator struct {
	cfg      Config
	log      *slog.Logger
	failures map[Path]*FailureCounter
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.WorkspaceID == "" {
		return nil, errors.New("upload: workspace id required")
	}
	cfg.CustomTable = cfg.CustomTable.withDefaults(SharedKeyCustomTable)
	cfg.FixedTable = cfg.FixedTable.withDefaults(CertificateFixedTable)
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg: cfg,
		log: logger.With("component", "upload"),
		failures: map[Path]*FailureCounter{
			SharedKeyCustomTable:  {Window: cfg.FailureLogWindow},
			CertificateFixedTable: {Window: cfg.FailureLogWindow},
		},
	}, nil
}

func (o *Orchestrator) PathConfig(p Path) PathConfig {
	if p == CertificateFixedTable {
		return o.cfg.FixedTable
	}
	return o.cfg.CustomTable
}

// Upload chunks records for the path and delivers every batch, retrying each
// one independently. A failed batch does not stop later batches; only a
// fatal identity error or cancellation ends the call early.
func (o *Orchestrator) Upload(ctx context.Context, records []telemetry.Record, target Target, p Path) (Result, error) {
	var res Result
	if p == CertificateFixedTable && o.cfg.Identity == nil {
		return res, errors.New("upload: fixed table path needs an identity source")
	}
	pc := o.PathConfig(p)

	items := make([]json.RawMessage, 0, len(records))
	positions := make([]int, 0, len(records))
	for i, r := range records {
		raw, err := encodeItem(r, p, o.cfg.Computer)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejected{Index: i, Err: err})
			continue
		}
		items = append(items, raw)
		positions = append(positions, i)
	}
	if len(res.Rejected) > 0 {
		o.log.Warn("records rejected before upload", "path", p, "count", len(res.Rejected), "first_err", res.Rejected[0].Err)
	}

	batches, err := chunk.Split(items, pc.MaxPayloadBytes-envelopeOverhead(p), chunk.Options{})
	if err != nil {
		return res, fmt.Errorf("chunk %s upload: %w", p, err)
	}
	res.Batches = make([]BatchOutcome, len(batches))
	for i, b := range batches {
		res.Batches[i] = BatchOutcome{Index: i, Indices: positions[b.Start:b.End()]}
	}

	send := func(ctx context.Context, i int) error {
		out := &res.Batches[i]
		o.sendBatch(ctx, p, pc, target, batches[i].Items, out)
		var fatal *identity.FatalError
		if errors.As(out.Err, &fatal) {
			return fatal
		}
		return nil
	}

	var runErr error
	if o.cfg.Concurrency > 1 && len(batches) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Concurrency)
		for i := range batches {
			g.Go(func() error { return send(gctx, i) })
		}
		runErr = g.Wait()
	} else {
		for i := range batches {
			if runErr = send(ctx, i); runErr != nil {
				break
			}
		}
	}

	for i := range res.Batches {
		b := &res.Batches[i]
		if b.OK() && b.Attempts > 0 {
			res.Succeeded++
			res.RecordsSent += len(b.Indices)
			continue
		}
		if b.Err == nil || (b.Attempts == 0 && isCancellation(b.Err)) {
			b.Err = ErrNotSent
		}
		res.Failed++
	}
	if runErr != nil {
		return res, runErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) sendBatch(ctx context.Context, p Path, pc PathConfig, target Target, items []json.RawMessage, out *BatchOutcome) {
	body, err := encodeBatch(items, p)
	if err != nil {
		out.Err = fmt.Errorf("encode batch: %w", err)
		return
	}
	out.Bytes = len(body)
	payload := body
	if pc.Compress {
		if payload, err = codec.Compress(body); err != nil {
			out.Err = err
			return
		}
	}
	out.WireBytes = len(payload)

	for attempt := 1; attempt <= pc.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return
		}
		out.Attempts = attempt
		status, err := o.post(ctx, p, target, payload, pc.Compress)
		out.Status = status
		out.Err = err
		if err == nil {
			o.failures[p].Reset()
			o.log.Debug("batch uploaded", "path", p, "batch", out.Index, "records", len(out.Indices), "bytes", out.WireBytes, "attempt", attempt)
			return
		}
		if permanent(err) {
			return
		}
		o.noteFailure(p, out, err)
	}
}

func (o *Orchestrator) noteFailure(p Path, out *BatchOutcome, err error) {
	count, shouldLog := o.failures[p].Record(o.cfg.Now())
	if !shouldLog {
		return
	}
	o.log.Warn("upload failed", "path", p, "batch", out.Index, "attempt", out.Attempts, "status", out.Status, "failures", count, "err", err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func permanent(err error) bool {
	var keyErr *signing.InvalidKeyError
	var fatal *identity.FatalError
	return errors.As(err, &keyErr) || errors.As(err, &fatal) ||
		errors.Is(err, context.Canceled)
}

// post sends one attempt. Identity provisioning runs on the caller's
// context so registration retries do not eat into RequestTimeout.
func (o *Orchestrator) post(ctx context.Context, p Path, target Target, payload []byte, compressed bool) (int, error) {
	if p == CertificateFixedTable {
		id, err := o.cfg.Identity.Current(ctx)
		if err != nil {
			return 0, err
		}
		reqCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
		return o.postFixed(reqCtx, id, target, payload, compressed)
	}
	reqCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()
	return o.postCustom(reqCtx, target, payload, compressed)
}

func (o *Orchestrator) postCustom(ctx context.Context, target Target, payload []byte, compressed bool) (int, error) {
	date := signing.FormatDate(o.cfg.Now())
	auth, err := signing.SharedKey(o.cfg.WorkspaceID, o.cfg.WorkspaceKey, signing.Request{
		Method:        http.MethodPost,
		ContentLength: len(payload),
		ContentType:   "application/json",
		Date:          date,
		Resource:      "/api/logs",
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.CustomTableURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ms-date", date)
	req.Header.Set("Authorization", auth)
	req.Header.Set("Log-Type", target.LogType)
	if target.ResourceID != "" {
		req.Header.Set("x-ms-AzureResourceId", target.ResourceID)
	}
	if compressed {
		req.Header.Set("Content-Encoding", "deflate")
	}

	return do(o.cfg.HTTPClient, req, SharedKeyCustomTable, func(code int) bool {
		return code == http.StatusOK || code == http.StatusAccepted
	})
}

func (o *Orchestrator) postFixed(ctx context.Context, id *identity.AgentIdentity, target Target, payload []byte, compressed bool) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.FixedTableURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-ms-date", o.cfg.Now().UTC().Format(time.RFC3339))
	req.Header.Set("X-Request-ID", "{"+uuid.NewString()+"}")
	req.Header.Set("User-Agent", "IotEdgeContainerAgent/"+o.cfg.Version)
	if target.ResourceID != "" {
		req.Header.Set("x-ms-AzureResourceId", target.ResourceID)
	}
	if compressed {
		req.Header.Set("Content-Encoding", "deflate")
	}

	status, err := do(id.HTTPClient(o.cfg.TLSConfig, 0), req, CertificateFixedTable, func(code int) bool {
		return code == http.StatusOK
	})
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		// The backend may have dropped this certificate; the next attempt
		// provisions a fresh one.
		o.cfg.Identity.Invalidate(id)
	}
	return status, err
}

func do(client *http.Client, req *http.Request, p Path, accepted func(int) bool) (int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send %s upload: %w", p, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if !accepted(resp.StatusCode) {
		return resp.StatusCode, &StatusError{Path: p, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.StatusCode, nil
}
