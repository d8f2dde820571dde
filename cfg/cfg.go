package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SpyrosRoum/termpad/svc/codec"
	"github.com/SpyrosRoum/termpad/svc/ident"
	"github.com/SpyrosRoum/termpad/svc/lim"
	"github.com/SpyrosRoum/termpad/svc/util"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

// Cfg is built once at start-up and handed to every component. Nothing
// mutates it afterwards.
type Cfg struct {
	Output          string
	Domain          string
	HTTPS           bool
	Port            string
	RawPort         string
	RawReadPort     string
	RawIdleTimeout  time.Duration
	DeleteAfter     uint32
	SweepInterval   time.Duration
	NameScheme      ident.Scheme
	BufferSize      int
	Compression     codec.Format
	ZstdLevel       int
	MaxPasteSize    int64
	Environment     string
	LogLevel        string
	RateLimit       RateLimitCfg
	RedisURL        string
	RedisTimeout    time.Duration
	TrustedProxies  []string
	MetricsUser     string
	MetricsPass     Secret
	ShutdownTimeout time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Output, err = util.ExpandTilde(getEnv("OUTPUT", "./pastes"))
	if err != nil {
		return nil, errors.Wrap(err, "expand OUTPUT")
	}
	c.Domain = getEnv("DOMAIN", "localhost")
	c.HTTPS, err = getBool("HTTPS", false)
	if err != nil {
		return nil, err
	}
	c.Port = getEnv("PORT", "8000")
	c.RawPort = getEnv("RAW_PORT", "9999")
	c.RawReadPort = getEnv("RAW_READ_PORT", "9998")
	c.RawIdleTimeout, err = getDuration("RAW_IDLE_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.DeleteAfter, err = getUint32("DELETE_AFTER", 120)
	if err != nil {
		return nil, err
	}
	c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 12*time.Hour)
	if err != nil {
		return nil, err
	}
	c.NameScheme, err = ident.ParseScheme(getEnv("NAME_SCHEME", "long"))
	if err != nil {
		return nil, errors.Wrap(err, "NAME_SCHEME")
	}
	c.BufferSize, err = getInt("BUFFER_SIZE", codec.DefaultBufferSize)
	if err != nil {
		return nil, err
	}
	c.Compression, err = codec.ParseFormat(getEnv("COMPRESSION", "zstd"))
	if err != nil {
		return nil, errors.Wrap(err, "COMPRESSION")
	}
	c.ZstdLevel, err = getInt("ZSTD_LEVEL", 3)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 0)
	if err != nil {
		return nil, err
	}
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks c and makes sure the output directory exists and is
// writable.
func Validate(c *Cfg) error {
	if c.Output == "" {
		return errors.New("OUTPUT is required")
	}
	if err := checkPort("PORT", c.Port, false); err != nil {
		return err
	}
	if err := checkPort("RAW_PORT", c.RawPort, true); err != nil {
		return err
	}
	if err := checkPort("RAW_READ_PORT", c.RawReadPort, true); err != nil {
		return err
	}
	if c.RawPort != "" && c.RawPort == c.RawReadPort {
		return errors.New("RAW_PORT and RAW_READ_PORT must differ")
	}
	if c.RawIdleTimeout <= 0 {
		return errors.New("RAW_IDLE_TIMEOUT must be positive")
	}
	if c.SweepInterval < time.Minute {
		return errors.New("SWEEP_INTERVAL must be at least 1 minute")
	}
	if c.Domain == "" {
		return errors.New("DOMAIN is required")
	}
	if c.BufferSize < 1 {
		return errors.New("BUFFER_SIZE must be at least 1")
	}
	if c.ZstdLevel < 1 || c.ZstdLevel > 22 {
		return errors.New("ZSTD_LEVEL must be between 1 and 22")
	}
	if c.MaxPasteSize < 0 {
		return errors.New("MAX_PASTE_SIZE cannot be negative")
	}
	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("ENVIRONMENT must be development or production, got %q", c.Environment)
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
	}
	if err := lim.ValidateProxies(c.TrustedProxies); err != nil {
		return errors.Wrap(err, "TRUSTED_PROXIES")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	return CheckOutput(c.Output)
}

// CheckOutput creates dir if needed and proves it accepts new files.
func CheckOutput(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "stat output directory")
	}
	if !fi.IsDir() {
		return fmt.Errorf("OUTPUT %s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return errors.Wrap(err, "output directory is not writable")
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return errors.Wrap(err, "remove probe file")
	}
	return nil
}

// PublicDomain is the host part of returned URLs. A bare localhost gets the
// HTTP port appended so links work out of the box.
func (c *Cfg) PublicDomain() string {
	if c.Domain == "localhost" {
		return "localhost:" + c.Port
	}
	return c.Domain
}

func (c *Cfg) IsProduction() bool { return c.Environment == "production" }

// AbsOutput is Output resolved against the working directory.
func (c *Cfg) AbsOutput() string {
	if abs, err := filepath.Abs(c.Output); err == nil {
		return abs
	}
	return c.Output
}

func (c *Cfg) Wipe() {
	c.MetricsPass.Wipe()
}

func checkPort(key, port string, optional bool) error {
	if port == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%s must be a number", key)
	}
	if n < 0 || n > 65535 {
		return fmt.Errorf("%s must be between 0 and 65535", key)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getBool(key string, fallback bool) (bool, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return v, nil
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
