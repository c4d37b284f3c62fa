package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProbeError is recorded for any signal whose probe failed.
const ProbeError = "probe_error"

// Probe reads one environment signal.
type Probe func(ctx context.Context) (string, error)

// Signals maps probe names to their collected values.
type Signals map[string]string

// Serialize renders signals as key=value pairs joined by "|", sorted by key,
// so the same environment always produces the same string.
func (s Signals) Serialize() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + s[k]
	}
	return strings.Join(parts, "|")
}

// Hash returns the hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is a collected set of signals and its digest.
type Fingerprint struct {
	Hash        string    `json:"hash"`
	Signals     Signals   `json:"signals"`
	Failed      []string  `json:"failed,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// CollectorOptions configures the default probe set.
type CollectorOptions struct {
	// DisplayID identifies the touch panel (resolution and depth).
	DisplayID string
	// Plugins lists peripherals attached to the kiosk.
	Plugins []string
	// FontDirs are scanned to fingerprint installed fonts.
	FontDirs []string
	// DataDir and CookiePath are checked for writability. An empty path
	// counts as unavailable.
	DataDir    string
	CookiePath string
	// SessionStore reports whether an in-process id carrier exists.
	SessionStore bool
	// CacheDuration keeps a result around; zero disables caching.
	CacheDuration time.Duration
}

// Collector gathers environment signals. A failing probe never aborts
// collection; it contributes ProbeError instead.
type Collector struct {
	mu          sync.RWMutex
	probes      map[string]Probe
	cache       *Fingerprint
	cacheExpiry time.Time
	cacheTTL    time.Duration
	logger      *slog.Logger
}

// NewCollector returns a collector preloaded with the kiosk probes.
func NewCollector(opts CollectorOptions, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.FontDirs) == 0 {
		opts.FontDirs = []string{"/usr/share/fonts", "/usr/local/share/fonts"}
	}

	c := &Collector{
		probes:   make(map[string]Probe),
		cacheTTL: opts.CacheDuration,
		logger:   logger.With(slog.String("component", "fingerprint_collector")),
	}

	c.Register("screen", staticProbe(opts.DisplayID))
	c.Register("timezone", timezoneProbe)
	c.Register("language", languageProbe)
	c.Register("platform", staticProbe(runtime.GOOS+"/"+runtime.GOARCH))
	c.Register("concurrency", staticProbe(strconv.Itoa(runtime.NumCPU())))
	c.Register("hostname", hostnameProbe)
	c.Register("mac", macAddressProbe)
	c.Register("cpu", cpuProbe)
	c.Register("fonts", fontsProbe(opts.FontDirs))
	c.Register("plugins", staticProbe(strings.Join(opts.Plugins, ",")))
	c.Register("storage", storageCapability(opts.DataDir, opts.CookiePath, opts.SessionStore))
	return c
}

// Register adds or replaces a probe.
func (c *Collector) Register(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
	c.cache = nil
}

// Collect runs every probe and hashes the serialized result.
func (c *Collector) Collect(ctx context.Context) *Fingerprint {
	c.mu.RLock()
	if c.cache != nil && time.Now().Before(c.cacheExpiry) {
		cached := *c.cache
		c.mu.RUnlock()
		return &cached
	}
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	signals := make(Signals, len(probes))
	var failed []string
	for name, probe := range probes {
		value, err := runProbe(ctx, probe)
		if err != nil {
			c.logger.WarnContext(ctx, "fingerprint probe failed",
				slog.String("probe", name),
				slog.String("error", err.Error()),
			)
			value = ProbeError
			failed = append(failed, name)
		}
		signals[name] = value
	}
	sort.Strings(failed)

	fp := &Fingerprint{
		Hash:        Hash(signals.Serialize()),
		Signals:     signals,
		Failed:      failed,
		GeneratedAt: time.Now(),
	}

	if c.cacheTTL > 0 {
		c.mu.Lock()
		cached := *fp
		c.cache = &cached
		c.cacheExpiry = time.Now().Add(c.cacheTTL)
		c.mu.Unlock()
	}

	c.logger.DebugContext(ctx, "device fingerprint collected",
		slog.String("hash", fp.Hash[:12]),
		slog.Int("signals", len(signals)),
		slog.Int("failed", len(failed)),
	)
	return fp
}

// ClearCache drops the cached fingerprint.
func (c *Collector) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = nil
	c.cacheExpiry = time.Time{}
}

func runProbe(ctx context.Context, p Probe) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p(ctx)
}

func staticProbe(v string) Probe {
	return func(context.Context) (string, error) { return v, nil }
}

func timezoneProbe(context.Context) (string, error) {
	name, offset := time.Now().Zone()
	return fmt.Sprintf("%s%+d", name, offset/60), nil
}

func languageProbe(context.Context) (string, error) {
	for _, key := range []string{"LC_ALL", "LANG", "LANGUAGE"} {
		if v := os.Getenv(key); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no locale configured")
}

func hostnameProbe(context.Context) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// macAddressProbe prefers the first up, non-loopback interface.
func macAddressProbe(context.Context) (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var fallback string
	for _, iface := range interfaces {
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		if iface.Flags&net.FlagLoopback == 0 && iface.Flags&net.FlagUp != 0 {
			return mac, nil
		}
		if fallback == "" {
			fallback = mac
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no valid MAC address found")
}

func cpuProbe(context.Context) (string, error) {
	if runtime.GOOS == "linux" {
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "Hardware") {
					return Hash(line)[:16], nil
				}
			}
		}
	}
	return Hash(runtime.GOOS + "-" + runtime.GOARCH)[:16], nil
}

func fontsProbe(dirs []string) Probe {
	return func(ctx context.Context) (string, error) {
		var names []string
		for _, dir := range dirs {
			_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !d.IsDir() {
					names = append(names, d.Name())
				}
				return nil
			})
		}
		if len(names) == 0 {
			return "", fmt.Errorf("no fonts found")
		}
		sort.Strings(names)
		return Hash(strings.Join(names, ","))[:16], nil
	}
}

// storageCapability reports which id carriers could be written, as
// data=<0|1>,cookie=<0|1>,session=<0|1>.
func storageCapability(dataDir, cookiePath string, session bool) Probe {
	return func(context.Context) (string, error) {
		return fmt.Sprintf("data=%s,cookie=%s,session=%s",
			flag(dirWritable(dataDir)),
			flag(fileWritable(cookiePath)),
			flag(session),
		), nil
	}
}

func dirWritable(dir string) bool {
	if dir == "" {
		return false
	}
	f, err := os.CreateTemp(dir, ".wcheck-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// fileWritable opens an existing file for writing without truncating it.
// A missing file is writable when its directory accepts new files.
func fileWritable(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err == nil {
		f.Close()
		return true
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false
	}
	return dirWritable(filepath.Dir(path))
}

func flag(ok bool) string {
	if ok {
		return "1"
	}
	return "0"
}
