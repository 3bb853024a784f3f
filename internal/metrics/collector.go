package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kon-rad/edge-telemetry-shipper/internal/telemetry"
)

// Self-telemetry metric names.
const (
	MetricCPUPercent       = "shipper_cpu_percent"
	MetricMemoryBytes      = "shipper_memory_bytes"
	MetricMemoryLimitBytes = "shipper_memory_limit_bytes"
	MetricRSSBytes         = "shipper_rss_bytes"
	MetricDiskUsedPercent  = "shipper_disk_used_percent"
	MetricIOReadRate       = "shipper_io_read_bytes_per_sec"
	MetricIOWriteRate      = "shipper_io_write_bytes_per_sec"
)

type Enqueuer interface {
	EnqueueAll(records []telemetry.Record) int
}

type Collector struct {
	interval time.Duration
	enqueuer Enqueuer
	dataDir  string
	tags     map[string]string

	cgroupRoot string
	procRoot   string

	lastCPUSample *cpuSample
	lastIO        *ioSample
}

type cpuSample struct {
	usageUsec int64
	at        time.Time
}

type ioSample struct {
	readBytes  int64
	writeBytes int64
	at         time.Time
}

// NewCollector samples this process every interval. tags are attached to
// every emitted record.
func NewCollector(interval time.Duration, enqueuer Enqueuer, dataDir string, tags map[string]string) *Collector {
	return &Collector{
		interval:   interval,
		enqueuer:   enqueuer,
		dataDir:    dataDir,
		tags:       tags,
		cgroupRoot: "/sys/fs/cgroup",
		procRoot:   "/proc/self",
	}
}

func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			records, err := c.collect(now)
			if err != nil || len(records) == 0 {
				continue
			}
			c.enqueuer.EnqueueAll(records)
		}
	}
}

// collect returns nothing for the first sample since CPU usage is a rate.
func (c *Collector) collect(now time.Time) ([]telemetry.Record, error) {
	usageUsec, err := c.readCPUUsageUsec()
	if err != nil {
		return nil, err
	}
	cores := c.readCPUCgroupCores()

	cur := &cpuSample{usageUsec: usageUsec, at: now}
	if c.lastCPUSample == nil {
		c.lastCPUSample = cur
		c.readIORates(now)
		return nil, nil
	}
	deltaUsage := float64(cur.usageUsec-c.lastCPUSample.usageUsec) / 1_000_000.0
	deltaTime := cur.at.Sub(c.lastCPUSample.at).Seconds()
	c.lastCPUSample = cur
	if deltaTime <= 0 {
		return nil, nil
	}
	cpuPct := max((deltaUsage/deltaTime)*100.0/cores, 0)

	out := []telemetry.Record{
		telemetry.NewMetric(MetricCPUPercent, cpuPct, now, c.tags),
	}

	memCurrent, memTotal := c.readMemoryCgroup()
	out = append(out, telemetry.NewMetric(MetricMemoryBytes, float64(memCurrent), now, c.tags))
	if memTotal > 0 {
		out = append(out, telemetry.NewMetric(MetricMemoryLimitBytes, float64(memTotal), now, c.tags))
	}
	if rss, err := readRSSBytes(filepath.Join(c.procRoot, "status")); err == nil {
		out = append(out, telemetry.NewMetric(MetricRSSBytes, float64(rss), now, c.tags))
	}
	if used, total := readDiskStats(c.dataDir); total > 0 {
		out = append(out, telemetry.NewMetric(MetricDiskUsedPercent, float64(used)/float64(total)*100, now, c.tags))
	}
	readRate, writeRate := c.readIORates(now)
	out = append(out,
		telemetry.NewMetric(MetricIOReadRate, float64(readRate), now, c.tags),
		telemetry.NewMetric(MetricIOWriteRate, float64(writeRate), now, c.tags),
	)
	return out, nil
}

// readCounters parses "name value" and "name: value" lines.
func readCounters(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			out[strings.TrimSuffix(fields[0], ":")] = v
		}
	}
	return out, nil
}

func (c *Collector) readCPUUsageUsec() (int64, error) {
	counters, err := readCounters(filepath.Join(c.cgroupRoot, "cpu.stat"))
	if err != nil {
		return 0, err
	}
	usage, ok := counters["usage_usec"]
	if !ok {
		return 0, fmt.Errorf("usage_usec not found")
	}
	return usage, nil
}

func (c *Collector) readCPUCgroupCores() float64 {
	data, err := os.ReadFile(filepath.Join(c.cgroupRoot, "cpu.max"))
	if err != nil {
		return float64(runtime.NumCPU())
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] == "max" {
		return float64(runtime.NumCPU())
	}
	quota, err1 := strconv.ParseFloat(fields[0], 64)
	period, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil || period <= 0 {
		return float64(runtime.NumCPU())
	}
	return max(quota/period, 1)
}

func (c *Collector) readMemoryCgroup() (current int64, total int64) {
	curBytes, err := os.ReadFile(filepath.Join(c.cgroupRoot, "memory.current"))
	if err != nil {
		return 0, 0
	}
	current, _ = strconv.ParseInt(strings.TrimSpace(string(curBytes)), 10, 64)

	maxBytes, err := os.ReadFile(filepath.Join(c.cgroupRoot, "memory.max"))
	if err != nil {
		return current, 0
	}
	maxStr := strings.TrimSpace(string(maxBytes))
	if maxStr == "max" {
		return current, 0
	}
	total, _ = strconv.ParseInt(maxStr, 10, 64)
	return current, total
}

func readDiskStats(path string) (used int64, total int64) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0
	}
	total = int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)
	return total - free, total
}

func (c *Collector) readProcIO() (int64, int64) {
	counters, err := readCounters(filepath.Join(c.procRoot, "io"))
	if err != nil {
		return 0, 0
	}
	return counters["read_bytes"], counters["write_bytes"]
}

func (c *Collector) readIORates(now time.Time) (int64, int64) {
	readBytes, writeBytes := c.readProcIO()
	cur := &ioSample{readBytes: readBytes, writeBytes: writeBytes, at: now}
	if c.lastIO == nil {
		c.lastIO = cur
		return 0, 0
	}
	seconds := cur.at.Sub(c.lastIO.at).Seconds()
	if seconds <= 0 {
		return 0, 0
	}
	readRate := int64(float64(cur.readBytes-c.lastIO.readBytes) / seconds)
	writeRate := int64(float64(cur.writeBytes-c.lastIO.writeBytes) / seconds)
	c.lastIO = cur
	return max(readRate, 0), max(writeRate, 0)
}
