package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the causal engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Detector   DetectorConfig   `yaml:"detector"`
	Grouper    GrouperConfig    `yaml:"grouper"`
	Candidates CandidatesConfig `yaml:"candidates"`
	Features   FeaturesConfig   `yaml:"features"`
	Ranker     RankerConfig     `yaml:"ranker"`
	Trainer    TrainerConfig    `yaml:"trainer"`
	Storage    StorageConfig    `yaml:"storage"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// DetectorConfig holds anomaly-detection policy. Thresholds and window sizes
// are deliberately configuration, not structure.
type DetectorConfig struct {
	ZThreshold       float64           `yaml:"zThreshold"`
	MinPoints        int               `yaml:"minPoints"`
	BaselineWindow   time.Duration     `yaml:"baselineWindow"`
	EvalWindow       time.Duration     `yaml:"evalWindow"`
	RequiredBreaches int               `yaml:"requiredBreaches"`
	GapTolerance     time.Duration     `yaml:"gapTolerance"`
	Cooldown         time.Duration     `yaml:"cooldown"`
	LatenessBound    time.Duration     `yaml:"latenessBound"`
	BadDirections    map[string]string `yaml:"badDirections"`
}

// GrouperConfig controls incident membership and closure.
type GrouperConfig struct {
	GraceMargin     time.Duration `yaml:"graceMargin"`
	QuietPeriod     time.Duration `yaml:"quietPeriod"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	TriggerDebounce time.Duration `yaml:"triggerDebounce"`
	CrossService    bool          `yaml:"crossService"`
}

// CandidatesConfig bounds the change-event search window around an incident.
type CandidatesConfig struct {
	Lookback  time.Duration `yaml:"lookback"`
	Lookahead time.Duration `yaml:"lookahead"`
}

// FeaturesConfig controls evidence extraction.
type FeaturesConfig struct {
	BeforeWindow      time.Duration `yaml:"beforeWindow"`
	MinAfterWindow    time.Duration `yaml:"minAfterWindow"`
	MinDeltaThreshold float64       `yaml:"minDeltaThreshold"`
	SignatureBaseline time.Duration `yaml:"signatureBaseline"`
	Parallelism       int           `yaml:"parallelism"`
	RiskKeywordsPath  string        `yaml:"riskKeywordsPath"`
}

// RankerConfig carries heuristic weights and run limits.
type RankerConfig struct {
	Weights    WeightsConfig `yaml:"weights"`
	RunTimeout time.Duration `yaml:"runTimeout"`
	MaxRetries int           `yaml:"maxRetries"`
}

// WeightsConfig enumerates the documented heuristic weights.
type WeightsConfig struct {
	IsBefore          float64 `yaml:"isBefore"`
	Recency           float64 `yaml:"recency"`
	RecencyHalfLife   float64 `yaml:"recencyHalfLifeMinutes"`
	MaxMetricDelta    float64 `yaml:"maxMetricDelta"`
	ErrorLogDelta     float64 `yaml:"errorLogDelta"`
	NewErrorSignature float64 `yaml:"newErrorSignature"`
	DiffKeywordHit    float64 `yaml:"diffKeywordHit"`
	HistoricalRisk    float64 `yaml:"historicalRisk"`
}

// TrainerConfig controls the feedback retraining loop.
type TrainerConfig struct {
	MinLabels    int           `yaml:"minLabels"`
	Interval     time.Duration `yaml:"interval"`
	LearningRate float64       `yaml:"learningRate"`
	Epochs       int           `yaml:"epochs"`
	HoldoutFrac  float64       `yaml:"holdoutFraction"`
}

// StorageConfig selects the incident/suspect store backend. An empty path
// keeps everything in memory.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// TelemetryConfig configures the optional external signal store. When BaseURL
// is empty the engine serves feature extraction from its in-memory buffer.
type TelemetryConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	MetricsPath string        `yaml:"metricsPath"`
	LogsPath    string        `yaml:"logsPath"`
	Timeout     time.Duration `yaml:"timeout"`
	BufferSpan  time.Duration `yaml:"bufferSpan"`
}

// CacheConfig controls the Valkey-backed activity feed mirror.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	ActivityTTL  time.Duration `yaml:"activityTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// duration accepts either Go duration strings ("90s", "10m") or raw
// nanosecond integers. yaml.v3 has no native time.Duration support.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// The UnmarshalYAML implementations below decode through mirror structs so
// duration fields accept human-readable values while the exported structs
// keep plain time.Duration. Mirrors start from the current values, so fields
// absent from the document keep their defaults.

func (c *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Address         string   `yaml:"address"`
		MetricsAddress  string   `yaml:"metricsAddress"`
		GracefulTimeout duration `yaml:"gracefulTimeout"`
	}
	r := raw{Address: c.Address, MetricsAddress: c.MetricsAddress, GracefulTimeout: duration(c.GracefulTimeout)}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = ServerConfig{Address: r.Address, MetricsAddress: r.MetricsAddress, GracefulTimeout: time.Duration(r.GracefulTimeout)}
	return nil
}

func (c *DetectorConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		ZThreshold       float64           `yaml:"zThreshold"`
		MinPoints        int               `yaml:"minPoints"`
		BaselineWindow   duration          `yaml:"baselineWindow"`
		EvalWindow       duration          `yaml:"evalWindow"`
		RequiredBreaches int               `yaml:"requiredBreaches"`
		GapTolerance     duration          `yaml:"gapTolerance"`
		Cooldown         duration          `yaml:"cooldown"`
		LatenessBound    duration          `yaml:"latenessBound"`
		BadDirections    map[string]string `yaml:"badDirections"`
	}
	r := raw{
		ZThreshold:       c.ZThreshold,
		MinPoints:        c.MinPoints,
		BaselineWindow:   duration(c.BaselineWindow),
		EvalWindow:       duration(c.EvalWindow),
		RequiredBreaches: c.RequiredBreaches,
		GapTolerance:     duration(c.GapTolerance),
		Cooldown:         duration(c.Cooldown),
		LatenessBound:    duration(c.LatenessBound),
		BadDirections:    c.BadDirections,
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = DetectorConfig{
		ZThreshold:       r.ZThreshold,
		MinPoints:        r.MinPoints,
		BaselineWindow:   time.Duration(r.BaselineWindow),
		EvalWindow:       time.Duration(r.EvalWindow),
		RequiredBreaches: r.RequiredBreaches,
		GapTolerance:     time.Duration(r.GapTolerance),
		Cooldown:         time.Duration(r.Cooldown),
		LatenessBound:    time.Duration(r.LatenessBound),
		BadDirections:    r.BadDirections,
	}
	return nil
}

func (c *GrouperConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		GraceMargin     duration `yaml:"graceMargin"`
		QuietPeriod     duration `yaml:"quietPeriod"`
		SweepInterval   duration `yaml:"sweepInterval"`
		TriggerDebounce duration `yaml:"triggerDebounce"`
		CrossService    bool     `yaml:"crossService"`
	}
	r := raw{
		GraceMargin:     duration(c.GraceMargin),
		QuietPeriod:     duration(c.QuietPeriod),
		SweepInterval:   duration(c.SweepInterval),
		TriggerDebounce: duration(c.TriggerDebounce),
		CrossService:    c.CrossService,
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = GrouperConfig{
		GraceMargin:     time.Duration(r.GraceMargin),
		QuietPeriod:     time.Duration(r.QuietPeriod),
		SweepInterval:   time.Duration(r.SweepInterval),
		TriggerDebounce: time.Duration(r.TriggerDebounce),
		CrossService:    r.CrossService,
	}
	return nil
}

func (c *CandidatesConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Lookback  duration `yaml:"lookback"`
		Lookahead duration `yaml:"lookahead"`
	}
	r := raw{Lookback: duration(c.Lookback), Lookahead: duration(c.Lookahead)}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = CandidatesConfig{Lookback: time.Duration(r.Lookback), Lookahead: time.Duration(r.Lookahead)}
	return nil
}

func (c *FeaturesConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		BeforeWindow      duration `yaml:"beforeWindow"`
		MinAfterWindow    duration `yaml:"minAfterWindow"`
		MinDeltaThreshold float64  `yaml:"minDeltaThreshold"`
		SignatureBaseline duration `yaml:"signatureBaseline"`
		Parallelism       int      `yaml:"parallelism"`
		RiskKeywordsPath  string   `yaml:"riskKeywordsPath"`
	}
	r := raw{
		BeforeWindow:      duration(c.BeforeWindow),
		MinAfterWindow:    duration(c.MinAfterWindow),
		MinDeltaThreshold: c.MinDeltaThreshold,
		SignatureBaseline: duration(c.SignatureBaseline),
		Parallelism:       c.Parallelism,
		RiskKeywordsPath:  c.RiskKeywordsPath,
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = FeaturesConfig{
		BeforeWindow:      time.Duration(r.BeforeWindow),
		MinAfterWindow:    time.Duration(r.MinAfterWindow),
		MinDeltaThreshold: r.MinDeltaThreshold,
		SignatureBaseline: time.Duration(r.SignatureBaseline),
		Parallelism:       r.Parallelism,
		RiskKeywordsPath:  r.RiskKeywordsPath,
	}
	return nil
}

func (c *RankerConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Weights    WeightsConfig `yaml:"weights"`
		RunTimeout duration      `yaml:"runTimeout"`
		MaxRetries int           `yaml:"maxRetries"`
	}
	r := raw{Weights: c.Weights, RunTimeout: duration(c.RunTimeout), MaxRetries: c.MaxRetries}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = RankerConfig{Weights: r.Weights, RunTimeout: time.Duration(r.RunTimeout), MaxRetries: r.MaxRetries}
	return nil
}

func (c *TrainerConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		MinLabels    int      `yaml:"minLabels"`
		Interval     duration `yaml:"interval"`
		LearningRate float64  `yaml:"learningRate"`
		Epochs       int      `yaml:"epochs"`
		HoldoutFrac  float64  `yaml:"holdoutFraction"`
	}
	r := raw{
		MinLabels:    c.MinLabels,
		Interval:     duration(c.Interval),
		LearningRate: c.LearningRate,
		Epochs:       c.Epochs,
		HoldoutFrac:  c.HoldoutFrac,
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = TrainerConfig{
		MinLabels:    r.MinLabels,
		Interval:     time.Duration(r.Interval),
		LearningRate: r.LearningRate,
		Epochs:       r.Epochs,
		HoldoutFrac:  r.HoldoutFrac,
	}
	return nil
}

func (c *TelemetryConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		BaseURL     string   `yaml:"baseURL"`
		MetricsPath string   `yaml:"metricsPath"`
		LogsPath    string   `yaml:"logsPath"`
		Timeout     duration `yaml:"timeout"`
		BufferSpan  duration `yaml:"bufferSpan"`
	}
	r := raw{
		BaseURL:     c.BaseURL,
		MetricsPath: c.MetricsPath,
		LogsPath:    c.LogsPath,
		Timeout:     duration(c.Timeout),
		BufferSpan:  duration(c.BufferSpan),
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = TelemetryConfig{
		BaseURL:     r.BaseURL,
		MetricsPath: r.MetricsPath,
		LogsPath:    r.LogsPath,
		Timeout:     time.Duration(r.Timeout),
		BufferSpan:  time.Duration(r.BufferSpan),
	}
	return nil
}

func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Enabled      bool     `yaml:"enabled"`
		Addr         string   `yaml:"addr"`
		Username     string   `yaml:"username"`
		Password     string   `yaml:"password"`
		DB           int      `yaml:"db"`
		DialTimeout  duration `yaml:"dialTimeout"`
		ReadTimeout  duration `yaml:"readTimeout"`
		WriteTimeout duration `yaml:"writeTimeout"`
		MaxRetries   int      `yaml:"maxRetries"`
		TLS          bool     `yaml:"tls"`
		ActivityTTL  duration `yaml:"activityTTL"`
	}
	r := raw{
		Enabled:      c.Enabled,
		Addr:         c.Addr,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  duration(c.DialTimeout),
		ReadTimeout:  duration(c.ReadTimeout),
		WriteTimeout: duration(c.WriteTimeout),
		MaxRetries:   c.MaxRetries,
		TLS:          c.TLS,
		ActivityTTL:  duration(c.ActivityTTL),
	}
	if err := value.Decode(&r); err != nil {
		return err
	}
	*c = CacheConfig{
		Enabled:      r.Enabled,
		Addr:         r.Addr,
		Username:     r.Username,
		Password:     r.Password,
		DB:           r.DB,
		DialTimeout:  time.Duration(r.DialTimeout),
		ReadTimeout:  time.Duration(r.ReadTimeout),
		WriteTimeout: time.Duration(r.WriteTimeout),
		MaxRetries:   r.MaxRetries,
		TLS:          r.TLS,
		ActivityTTL:  time.Duration(r.ActivityTTL),
	}
	return nil
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_CAUSAL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Detector: DetectorConfig{
			ZThreshold:       3.0,
			MinPoints:        10,
			BaselineWindow:   24 * time.Hour,
			EvalWindow:       5 * time.Minute,
			RequiredBreaches: 3,
			GapTolerance:     2 * time.Minute,
			Cooldown:         3 * time.Minute,
			LatenessBound:    2 * time.Minute,
			BadDirections: map[string]string{
				"p95_latency_ms": "up",
				"p99_latency_ms": "up",
				"error_rate":     "up",
				"qps":            "down",
			},
		},
		Grouper: GrouperConfig{
			GraceMargin:     10 * time.Minute,
			QuietPeriod:     10 * time.Minute,
			SweepInterval:   30 * time.Second,
			TriggerDebounce: 30 * time.Second,
			CrossService:    true,
		},
		Candidates: CandidatesConfig{
			Lookback:  2 * time.Hour,
			Lookahead: 0,
		},
		Features: FeaturesConfig{
			BeforeWindow:      10 * time.Minute,
			MinAfterWindow:    5 * time.Minute,
			MinDeltaThreshold: 0.1,
			SignatureBaseline: time.Hour,
			Parallelism:       4,
		},
		Ranker: RankerConfig{
			Weights: WeightsConfig{
				IsBefore:          3.0,
				Recency:           2.0,
				RecencyHalfLife:   30,
				MaxMetricDelta:    2.5,
				ErrorLogDelta:     2.0,
				NewErrorSignature: 1.5,
				DiffKeywordHit:    1.0,
				HistoricalRisk:    1.0,
			},
			RunTimeout: 60 * time.Second,
			MaxRetries: 3,
		},
		Trainer: TrainerConfig{
			MinLabels:    10,
			Interval:     10 * time.Minute,
			LearningRate: 0.1,
			Epochs:       400,
			HoldoutFrac:  0.2,
		},
		Telemetry: TelemetryConfig{
			MetricsPath: "/api/v1/signals/metrics",
			LogsPath:    "/api/v1/signals/logs",
			Timeout:     5 * time.Second,
			BufferSpan:  24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			ActivityTTL:  time.Hour,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_CAUSAL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_CAUSAL_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_TELEMETRY_URL"); v != "" {
		cfg.Telemetry.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_RISK_KEYWORDS"); v != "" {
		cfg.Features.RiskKeywordsPath = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_Z_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.ZThreshold = f
		}
	}
	if v := os.Getenv("MIRADOR_CAUSAL_MIN_LABELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trainer.MinLabels = n
		}
	}
	if v := os.Getenv("MIRADOR_CAUSAL_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ranker.RunTimeout = d
		}
	}
	if v := os.Getenv("MIRADOR_CAUSAL_QUIET_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Grouper.QuietPeriod = d
		}
	}
	if v := os.Getenv("MIRADOR_CAUSAL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_CAUSAL_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_CAUSAL_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_CAUSAL_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
}
