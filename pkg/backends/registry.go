package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/wayneeseguin/omnipipe/internal/retry"
	"github.com/wayneeseguin/omnipipe/pkg/types"
)

// Descriptor errors.
var (
	ErrInvalidDescriptor = errors.New("invalid sink descriptor")
	ErrUnknownScheme     = errors.New("unknown sink scheme")
)

// Kind is the closed set of sink kinds.
type Kind string

const (
	KindConsole Kind = "console"
	KindFile    Kind = "file"
	KindLoki    Kind = "loki"
	KindS3      Kind = "s3"
	KindRedis   Kind = "redis"
	KindNATS    Kind = "nats"
	KindSyslog  Kind = "syslog"
)

// IsBatch reports whether sinks of this kind buffer and push batches.
func (k Kind) IsBatch() bool {
	switch k {
	case KindLoki, KindS3, KindRedis, KindNATS:
		return true
	}
	return false
}

// ConsoleConfig configures a console sink.
type ConsoleConfig struct {
	Stream string `mapstructure:"-"` // stdout or stderr
}

// FileConfig configures a file sink.
type FileConfig struct {
	Path     string `mapstructure:"-"`
	MaxBytes int64  `mapstructure:"max_bytes"`
	Backups  int    `mapstructure:"backups"`
	Compress bool   `mapstructure:"compress"`
	Lock     bool   `mapstructure:"lock"`
}

// BatchConfig holds the parameters shared by every batch sink.
type BatchConfig struct {
	BatchSize      int               `mapstructure:"batch_size"`
	BatchInterval  time.Duration     `mapstructure:"batch_interval"`
	MaxRetries     int               `mapstructure:"max_retries"`
	BackoffInitial time.Duration     `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration     `mapstructure:"backoff_max"`
	MaxPending     int               `mapstructure:"max_pending"`
	RawLabels      string            `mapstructure:"labels"`
	LevelLabel     bool              `mapstructure:"level_label"`
	Labels         map[string]string `mapstructure:"-"`
}

// RetryPolicy converts the batch parameters into a retry policy.
func (c BatchConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxRetries,
		InitialInterval: c.BackoffInitial,
		MaxInterval:     c.BackoffMax,
		Multiplier:      2,
	}
}

// LokiConfig configures the Loki push transport.
type LokiConfig struct {
	Endpoint string        `mapstructure:"-"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Gzip     bool          `mapstructure:"gzip"`
	Tenant   string        `mapstructure:"tenant"`
	TLS      bool          `mapstructure:"tls"`
}

// S3Config configures the S3 archive transport.
type S3Config struct {
	Bucket    string `mapstructure:"-"`
	Prefix    string `mapstructure:"-"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// RedisConfig configures the Redis list transport.
type RedisConfig struct {
	Addr     string `mapstructure:"-"`
	Username string `mapstructure:"-"`
	Password string `mapstructure:"-"`
	DB       int    `mapstructure:"-"`
	Key      string `mapstructure:"key"`
	MaxLen   int64  `mapstructure:"max_len"`
	Format   string `mapstructure:"format"`
}

// NATSConfig configures the NATS publish transport.
type NATSConfig struct {
	URL     string `mapstructure:"-"`
	Subject string `mapstructure:"-"`
}

// SyslogConfig configures a syslog sink. An empty Address probes the local
// daemon sockets; an empty Network with a socket path tries unixgram, then
// unix.
type SyslogConfig struct {
	Network  string        `mapstructure:"network"`
	Address  string        `mapstructure:"-"`
	Tag      string        `mapstructure:"tag"`
	Facility int           `mapstructure:"facility"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Descriptor is a parsed, validated sink configuration. Exactly one of the
// kind-specific configs is set, matching Kind.
type Descriptor struct {
	URI  string
	Name string
	Kind Kind

	Console *ConsoleConfig
	File    *FileConfig
	Batch   *BatchConfig
	Loki    *LokiConfig
	S3      *S3Config
	Redis   *RedisConfig
	NATS    *NATSConfig
	Syslog  *SyslogConfig
}

// DefaultBatchConfig returns the defaults for batch sinks.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:      100,
		BatchInterval:  2 * time.Second,
		MaxRetries:     5,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		MaxPending:     4,
	}
}

// DefaultFileConfig returns the defaults for file sinks.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		MaxBytes: 10 * 1024 * 1024,
		Backups:  5,
		Lock:     true,
	}
}

const defaultLokiPath = "/loki/api/v1/push"

// Parse turns a sink URI into a validated descriptor. A bare path is a file sink.
func Parse(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Descriptor{}, errors.Wrap(ErrInvalidDescriptor, "empty sink URI")
	}
	if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "console:") {
		raw = "file://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, errors.Wrapf(ErrInvalidDescriptor, "%s: %v", raw, err)
	}

	params := u.Query()
	name := params.Get("name")
	params.Del("name")

	d := Descriptor{URI: raw}
	switch strings.ToLower(u.Scheme) {
	case "console":
		d.Kind = KindConsole
		err = parseConsole(&d, u, params)
	case "file":
		d.Kind = KindFile
		err = parseFile(&d, u, params)
	case "http", "https", "loki":
		d.Kind = KindLoki
		err = parseLoki(&d, u, params)
	case "s3":
		d.Kind = KindS3
		err = parseS3(&d, u, params)
	case "redis", "rediss":
		d.Kind = KindRedis
		err = parseRedis(&d, u, params)
	case "nats", "tls":
		d.Kind = KindNATS
		err = parseNATS(&d, u, params)
	case "syslog":
		d.Kind = KindSyslog
		err = parseSyslog(&d, u, params)
	default:
		return Descriptor{}, errors.Wrapf(ErrUnknownScheme, "%q in %s", u.Scheme, raw)
	}
	if err != nil {
		return Descriptor{}, errors.Wrapf(ErrInvalidDescriptor, "%s: %v", raw, err)
	}

	if name != "" {
		d.Name = name
	}
	return d, nil
}

// ParseAll parses every URI, failing on the first invalid one. Names must be unique.
func ParseAll(raws []string) ([]Descriptor, error) {
	descs := make([]Descriptor, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for _, raw := range raws {
		d, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, errors.Wrapf(ErrInvalidDescriptor, "duplicate sink name %q", d.Name)
		}
		seen[d.Name] = true
		descs = append(descs, d)
	}
	return descs, nil
}

func parseConsole(d *Descriptor, u *url.URL, params url.Values) error {
	stream := u.Host
	if stream == "" {
		stream = strings.Trim(u.Opaque+u.Path, "/")
	}
	switch stream {
	case "", "stdout":
		stream = "stdout"
	case "stderr":
	default:
		return fmt.Errorf("console stream must be stdout or stderr, got %q", stream)
	}
	if len(params) > 0 {
		return fmt.Errorf("console sinks take no parameters")
	}
	d.Console = &ConsoleConfig{Stream: stream}
	d.Name = "console:" + stream
	return nil
}

func parseFile(d *Descriptor, u *url.URL, params url.Values) error {
	cfg := DefaultFileConfig()
	if err := decodeParams(params, &cfg); err != nil {
		return err
	}
	cfg.Path = u.Host + u.Path
	if cfg.Path == "" {
		return fmt.Errorf("file path is required")
	}
	if cfg.MaxBytes < 0 {
		return fmt.Errorf("max_bytes must not be negative")
	}
	if cfg.Backups < 0 {
		return fmt.Errorf("backups must not be negative")
	}
	d.File = &cfg
	d.Name = "file:" + cfg.Path
	return nil
}

func parseLoki(d *Descriptor, u *url.URL, params url.Values) error {
	var p struct {
		BatchConfig `mapstructure:",squash"`
		LokiConfig  `mapstructure:",squash"`
	}
	p.BatchConfig = DefaultBatchConfig()
	p.LokiConfig = LokiConfig{Timeout: 10 * time.Second}
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if err := finishBatch(&p.BatchConfig); err != nil {
		return err
	}
	if len(p.BatchConfig.Labels) == 0 {
		p.BatchConfig.Labels = map[string]string{"job": "omnipipe"}
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if u.Host == "" {
		return fmt.Errorf("loki host is required")
	}

	scheme := u.Scheme
	path := u.Path
	if scheme == "loki" {
		scheme = "http"
		if p.TLS {
			scheme = "https"
		}
		if path == "" || path == "/" {
			path = defaultLokiPath
		}
	}
	endpoint := url.URL{Scheme: scheme, User: u.User, Host: u.Host, Path: path}
	p.Endpoint = endpoint.String()

	d.Batch = &p.BatchConfig
	d.Loki = &p.LokiConfig
	d.Name = "loki:" + u.Host
	return nil
}

func parseS3(d *Descriptor, u *url.URL, params url.Values) error {
	var p struct {
		BatchConfig `mapstructure:",squash"`
		S3Config    `mapstructure:",squash"`
	}
	p.BatchConfig = DefaultBatchConfig()
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if err := finishBatch(&p.BatchConfig); err != nil {
		return err
	}
	p.Bucket = u.Host
	p.Prefix = strings.Trim(u.Path, "/")
	if p.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}

	d.Batch = &p.BatchConfig
	d.S3 = &p.S3Config
	d.Name = "s3:" + p.Bucket
	return nil
}

func parseRedis(d *Descriptor, u *url.URL, params url.Values) error {
	var p struct {
		BatchConfig `mapstructure:",squash"`
		RedisConfig `mapstructure:",squash"`
	}
	p.BatchConfig = DefaultBatchConfig()
	p.RedisConfig = RedisConfig{Format: "json"}
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if err := finishBatch(&p.BatchConfig); err != nil {
		return err
	}

	p.Addr = u.Host
	if p.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 {
			return fmt.Errorf("redis database must be a non-negative integer, got %q", db)
		}
		p.DB = n
	}
	if p.Key == "" {
		return fmt.Errorf("redis key is required")
	}
	if p.MaxLen < 0 {
		return fmt.Errorf("max_len must not be negative")
	}
	switch p.Format {
	case "json", "msgpack":
	default:
		return fmt.Errorf("redis format must be json or msgpack, got %q", p.Format)
	}

	d.Batch = &p.BatchConfig
	d.Redis = &p.RedisConfig
	d.Name = "redis:" + p.Addr + "/" + p.Key
	return nil
}

func parseNATS(d *Descriptor, u *url.URL, params url.Values) error {
	var p struct {
		BatchConfig `mapstructure:",squash"`
	}
	p.BatchConfig = DefaultBatchConfig()
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if err := finishBatch(&p.BatchConfig); err != nil {
		return err
	}
	subject := strings.Trim(u.Path, "/")
	if subject == "" {
		return fmt.Errorf("nats subject is required")
	}
	if u.Host == "" {
		return fmt.Errorf("nats host is required")
	}
	server := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}

	d.Batch = &p.BatchConfig
	d.NATS = &NATSConfig{URL: server.String(), Subject: subject}
	d.Name = "nats:" + subject
	return nil
}

func parseSyslog(d *Descriptor, u *url.URL, params url.Values) error {
	cfg := SyslogConfig{
		Network:  "udp",
		Tag:      "omnipipe",
		Facility: 1,
		Timeout:  5 * time.Second,
	}
	if err := decodeParams(params, &cfg); err != nil {
		return err
	}
	switch cfg.Network {
	case "udp", "tcp", "unix", "unixgram":
	default:
		return fmt.Errorf("syslog network must be udp, tcp, unix or unixgram, got %q", cfg.Network)
	}
	if cfg.Facility < 0 || cfg.Facility > 23 {
		return fmt.Errorf("syslog facility must be within [0, 23], got %d", cfg.Facility)
	}
	if cfg.Tag == "" {
		return fmt.Errorf("syslog tag must not be empty")
	}
	cfg.Address = u.Host
	if cfg.Address == "" && u.Path != "" && u.Path != "/" {
		cfg.Address = u.Path
		// Socket paths pick unixgram or unix when the sink dials.
		if cfg.Network == "udp" || cfg.Network == "tcp" {
			cfg.Network = ""
		}
	}
	d.Syslog = &cfg
	d.Name = "syslog:" + cfg.Address
	if cfg.Address == "" {
		d.Name = "syslog:local"
	}
	return nil
}

func finishBatch(c *BatchConfig) error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("batch_interval must be positive")
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("max_pending must be positive")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return err
	}
	labels, err := ParseLabels(c.RawLabels)
	if err != nil {
		return err
	}
	c.Labels = labels
	return nil
}

// ParseLabels parses "k:v,k:v" into a label set.
func ParseLabels(s string) (map[string]string, error) {
	labels := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return labels, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid label %q, expected key:value", pair)
		}
		if _, dup := labels[k]; dup {
			return nil, fmt.Errorf("duplicate label %q", k)
		}
		labels[k] = v
	}
	return labels, nil
}

func decodeParams(params url.Values, out interface{}) error {
	raw := make(map[string]interface{}, len(params))
	for k, vs := range params {
		if len(vs) > 0 {
			raw[k] = vs[len(vs)-1]
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// Env carries the collaborators sinks are built with.
type Env struct {
	ErrorHandler   ErrorHandler
	MetricsHandler MetricsHandler
	Stdout         io.Writer
	Stderr         io.Writer
	HTTPClient     *http.Client
	S3Client       S3API
	Clock          retry.Clock
}

// Open builds the sink a descriptor describes.
func Open(ctx context.Context, d Descriptor, env Env) (types.Sink, error) {
	switch d.Kind {
	case KindConsole:
		w := env.Stdout
		if d.Console.Stream == "stderr" {
			w = env.Stderr
		}
		if w == nil {
			w = os.Stdout
			if d.Console.Stream == "stderr" {
				w = os.Stderr
			}
		}
		return NewConsoleSink(d.Name, w), nil

	case KindFile:
		sink, err := NewFileSink(d.Name, *d.File)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", d.Name)
		}
		sink.SetErrorHandler(env.ErrorHandler)
		sink.SetMetricsHandler(env.MetricsHandler)
		return sink, nil

	case KindSyslog:
		sink, err := NewSyslogSink(ctx, d.Name, *d.Syslog)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", d.Name)
		}
		sink.SetErrorHandler(env.ErrorHandler)
		return sink, nil
	}

	if !d.Kind.IsBatch() {
		return nil, errors.Wrapf(ErrUnknownScheme, "kind %q", d.Kind)
	}

	transport, err := openTransport(ctx, d, env)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", d.Name)
	}

	opts := []BatchOption{WithBatchErrorHandler(env.ErrorHandler)}
	if env.Clock != nil {
		opts = append(opts, WithBatchClock(env.Clock))
	}
	return NewBatchSink(d.Name, *d.Batch, transport, opts...), nil
}

func openTransport(ctx context.Context, d Descriptor, env Env) (Transport, error) {
	switch d.Kind {
	case KindLoki:
		return NewLokiTransport(*d.Loki, env.HTTPClient), nil
	case KindS3:
		if env.S3Client != nil {
			return NewS3Transport(env.S3Client, *d.S3), nil
		}
		return OpenS3Transport(ctx, *d.S3)
	case KindRedis:
		return NewRedisTransport(*d.Redis), nil
	case KindNATS:
		return NewNATSTransport(*d.NATS)
	}
	return nil, errors.Wrapf(ErrUnknownScheme, "kind %q", d.Kind)
}

// Kinds lists the supported sink kinds.
func Kinds() []string {
	kinds := []string{
		string(KindConsole), string(KindFile), string(KindLoki),
		string(KindS3), string(KindRedis), string(KindNATS),
		string(KindSyslog),
	}
	sort.Strings(kinds)
	return kinds
}
