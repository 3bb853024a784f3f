// Package logparse tails a module's local log file and turns each line into
// a log record, decoding the syslog-style "<N>" severity prefix that edge
// modules write.
package logparse

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

const (
	// DefaultSeverity applies to lines without a "<N>" prefix (informational).
	DefaultSeverity = 6
	maxLineBytes    = 64 * 1024
)

// "<6> 2026-10-19 08:30:00.123 +00:00 [INF] - message"
var linePattern = regexp.MustCompile(`^<([0-7])>\s*(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)? [+-]\d{2}:\d{2})?\s*(.*)$`)

const lineTimeLayout = "2006-01-02 15:04:05.999999999 -07:00"

type Enqueuer interface {
	Enqueue(r telemetry.Record) bool
}

// Source identifies whose log is being tailed; the values become tags.
type Source struct {
	ModuleID string
	DeviceID string
	IoTHub   string
	Stream   string
}

type Parser struct {
	path     string
	poll     time.Duration
	source   Source
	maxLevel int
	enqueuer Enqueuer
	now      func() time.Time
}

// New tails path every poll interval. Lines less severe than maxLevel
// (a larger syslog number) are skipped.
func New(path string, poll time.Duration, source Source, maxLevel int, enqueuer Enqueuer) *Parser {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if source.Stream == "" {
		source.Stream = "stdout"
	}
	if maxLevel <= 0 || maxLevel > 7 {
		maxLevel = 7
	}
	return &Parser{
		path:     path,
		poll:     poll,
		source:   source,
		maxLevel: maxLevel,
		enqueuer: enqueuer,
		now:      time.Now,
	}
}

func (p *Parser) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	var offset int64
	var lastInode uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fi, err := os.Stat(p.path)
			if err != nil {
				continue
			}
			if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
				if lastInode == 0 {
					lastInode = stat.Ino
				}
				if stat.Ino != lastInode {
					lastInode = stat.Ino
					offset = 0
				}
			}
			if fi.Size() < offset {
				offset = 0
			}
			newOffset, err := p.readFromOffset(offset)
			if err != nil {
				continue
			}
			offset = newOffset
		}
	}
}

func (p *Parser) readFromOffset(offset int64) (int64, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	// Only whole lines advance the offset so a half-written line is
	// re-read on the next poll.
	reader := bufio.NewReaderSize(f, maxLineBytes)
	pos := offset
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return pos, nil
			}
			return pos, err
		}
		pos += int64(len(line))
		r, ok := p.ParseLine(line)
		if !ok {
			continue
		}
		p.enqueuer.Enqueue(r)
	}
}

// ParseLine converts one raw line; ok is false for blank or filtered lines.
func (p *Parser) ParseLine(raw string) (telemetry.Record, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return telemetry.Record{}, false
	}

	severity := DefaultSeverity
	ts := p.now()
	text := line
	if m := linePattern.FindStringSubmatch(line); m != nil {
		severity, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			if parsed, err := time.Parse(lineTimeLayout, m[2]); err == nil {
				ts = parsed
			}
		}
		text = m[3]
	}
	if severity > p.maxLevel {
		return telemetry.Record{}, false
	}

	tags := map[string]string{
		telemetry.TagModuleID: p.source.ModuleID,
		telemetry.TagStream:   p.source.Stream,
		telemetry.TagLogLevel: strconv.Itoa(severity),
	}
	if p.source.DeviceID != "" {
		tags[telemetry.TagDeviceID] = p.source.DeviceID
	}
	if p.source.IoTHub != "" {
		tags[telemetry.TagIoTHub] = p.source.IoTHub
	}
	return telemetry.NewLog(p.source.ModuleID, text, ts, tags), true
}
