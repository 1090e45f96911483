package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// for root
var (
	Debug = false
)

// for pkg exporter
var (
	// 与 (pid, tid) 绑定的执行上下文的存活时间
	ContextTTL = 30 * time.Second
	// 最近结束的 span id 的缓存容量，仅用于日志区分
	MaxNumEndedSpan = 1024
	// 默认忽略线程上下文中的活跃 span
	IgnoreActiveSpan = true
)

// for pkg bgtask
var (
	// 每批送入 exporter 的 span 事件数量
	BatchSpan = 50
	// 未满一批时的最长等待时间
	BatchInterval = time.Second
	// 统计任务的 cron 表达式
	StatsSchedule = "@every 10s"
	// 批量写入 olap 的刷新周期
	OlapFlushSchedule = "@every 1s"
)

// for DB
var (
	// DATETIME(6) 列的写入格式
	DATE6 = "2006-01-02 15:04:05.000000"
)

// Exporter kinds understood by the backend package.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
	ExporterNone   = "none"
)

var ErrInvalidStripRule = errors.New("invalid strip rule")

// StripRule is one entry of the strip configuration. Nil ids are wildcards.
type StripRule struct {
	Levels    int     `mapstructure:"levels"`
	ProcessID *uint64 `mapstructure:"process_id"`
	ThreadID  *uint64 `mapstructure:"thread_id"`
}

func (r StripRule) String() string {
	proc, thread := "*", "*"
	if r.ProcessID != nil {
		proc = strconv.FormatUint(*r.ProcessID, 10)
	}
	if r.ThreadID != nil {
		thread = strconv.FormatUint(*r.ThreadID, 10)
	}
	return fmt.Sprintf("%d:%s:%s", r.Levels, proc, thread)
}

// ParseStripRule parses LEVELS[:PID[:TID]] where PID and TID may be "*".
func ParseStripRule(s string) (StripRule, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return StripRule{}, fmt.Errorf("%w %q: want LEVELS[:PID[:TID]]", ErrInvalidStripRule, s)
	}
	levels, err := strconv.Atoi(parts[0])
	if err != nil || levels < 0 {
		return StripRule{}, fmt.Errorf("%w %q: levels must be a non-negative integer", ErrInvalidStripRule, s)
	}
	rule := StripRule{Levels: levels}
	if len(parts) > 1 {
		if rule.ProcessID, err = parseOptionalID(parts[1]); err != nil {
			return StripRule{}, fmt.Errorf("%w %q: %v", ErrInvalidStripRule, s, err)
		}
	}
	if len(parts) > 2 {
		if rule.ThreadID, err = parseOptionalID(parts[2]); err != nil {
			return StripRule{}, fmt.Errorf("%w %q: %v", ErrInvalidStripRule, s, err)
		}
	}
	return rule, nil
}

func parseOptionalID(s string) (*uint64, error) {
	if s == "" || s == "*" {
		return nil, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Config is the resolved configuration of a seespan run.
type Config struct {
	Exporter         string
	OTLPEndpoint     string
	OTLPInsecure     bool
	ServiceName      string
	IgnoreActiveSpan bool
	ContextTTL       time.Duration
	BatchSize        int
	BatchInterval    time.Duration
	StatsSchedule    string
	OlapDSN          string
	MetricsAddr      string
	StripRules       []StripRule
}

// SetDefaults registers the package defaults on vp.
func SetDefaults(vp *viper.Viper) {
	vp.SetDefault("exporter", ExporterStdout)
	vp.SetDefault("otlp-insecure", false)
	vp.SetDefault("service-name", "seespan")
	vp.SetDefault("ignore-active-span", IgnoreActiveSpan)
	vp.SetDefault("context-ttl", ContextTTL)
	vp.SetDefault("batch-size", BatchSpan)
	vp.SetDefault("batch-interval", BatchInterval)
	vp.SetDefault("stats-schedule", StatsSchedule)
}

// Load reads the configuration from vp. Strip rules come from the `strip`
// list of the config file plus the `strip-rule` flag values.
func Load(vp *viper.Viper) (*Config, error) {
	cfg := &Config{
		Exporter:         strings.ToLower(vp.GetString("exporter")),
		OTLPEndpoint:     vp.GetString("otlp-endpoint"),
		OTLPInsecure:     vp.GetBool("otlp-insecure"),
		ServiceName:      vp.GetString("service-name"),
		IgnoreActiveSpan: vp.GetBool("ignore-active-span"),
		ContextTTL:       vp.GetDuration("context-ttl"),
		BatchSize:        vp.GetInt("batch-size"),
		BatchInterval:    vp.GetDuration("batch-interval"),
		StatsSchedule:    vp.GetString("stats-schedule"),
		OlapDSN:          vp.GetString("olap-dsn"),
		MetricsAddr:      vp.GetString("metrics-addr"),
	}

	switch cfg.Exporter {
	case ExporterStdout, ExporterOTLP, ExporterNone:
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
	if cfg.ContextTTL <= 0 {
		return nil, fmt.Errorf("context-ttl must be positive, got %s", cfg.ContextTTL)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch-size must be positive, got %d", cfg.BatchSize)
	}

	var fileRules []StripRule
	if err := vp.UnmarshalKey("strip", &fileRules); err != nil {
		return nil, fmt.Errorf("reading strip rules: %w", err)
	}
	for _, rule := range fileRules {
		if rule.Levels < 0 {
			return nil, fmt.Errorf("%w %s: levels must be a non-negative integer", ErrInvalidStripRule, rule)
		}
	}
	cfg.StripRules = append(cfg.StripRules, fileRules...)

	for _, raw := range vp.GetStringSlice("strip-rule") {
		rule, err := ParseStripRule(raw)
		if err != nil {
			return nil, err
		}
		cfg.StripRules = append(cfg.StripRules, rule)
	}
	return cfg, nil
}
