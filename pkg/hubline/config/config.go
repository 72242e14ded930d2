// Package config loads hub and client settings from HCL files.
//
//	hub {
//	  listen          = ":3000"
//	  publisher_key   = env.HUBLINE_JWT_KEY
//	  heartbeat       = "15s"
//	}
//
//	redis {
//	  address = "localhost:6379"
//	}
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

const (
	DefaultListen          = ":3000"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultClientReconnect = 3 * time.Second
)

type Config struct {
	Hub    *HubConfig    `hcl:"hub,block"`
	Redis  *RedisConfig  `hcl:"redis,block"`
	Stats  *StatsConfig  `hcl:"stats,block"`
	Client *ClientConfig `hcl:"client,block"`
}

type HubConfig struct {
	Listen          string   `hcl:"listen,optional" validate:"required"`
	PublisherKey    string   `hcl:"publisher_key" validate:"required,min=16"`
	SubscriberKey   string   `hcl:"subscriber_key,optional" validate:"omitempty,min=16"`
	AnonymousTopics []string `hcl:"anonymous_topics,optional" validate:"dive,required"`
	OriginPatterns  []string `hcl:"origin_patterns,optional"`
	QueueSize       int      `hcl:"queue_size,optional" validate:"gte=0"`
	Metrics         bool     `hcl:"metrics,optional"`

	HeartbeatRaw       string `hcl:"heartbeat,optional" validate:"omitempty,duration"`
	WriteTimeoutRaw    string `hcl:"write_timeout,optional" validate:"omitempty,duration"`
	ShutdownTimeoutRaw string `hcl:"shutdown_timeout,optional" validate:"omitempty,duration"`

	// Resolved from the raw strings above. Nil heartbeat means the hub default.
	Heartbeat       *time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Address  string `hcl:"address" validate:"required,hostname_port"`
	Password string `hcl:"password,optional"`
	Database int    `hcl:"database,optional" validate:"gte=0,lte=15"`
	TLS      bool   `hcl:"tls,optional"`
	Channel  string `hcl:"channel,optional"`
	Instance string `hcl:"instance,optional"`

	ReconnectDelayRaw string `hcl:"reconnect_delay,optional" validate:"omitempty,duration"`
	ReconnectDelay    time.Duration
}

type StatsConfig struct {
	Schedule string `hcl:"schedule,optional"`
	Topic    string `hcl:"topic,optional"`
	Timezone string `hcl:"timezone,optional"`
}

type ClientConfig struct {
	HubURL string `hcl:"hub_url" validate:"required,url"`
	Token  string `hcl:"token,optional"`
	APIURL string `hcl:"api_url,optional" validate:"omitempty,url"`

	ReconnectDelayRaw string `hcl:"reconnect_delay,optional" validate:"omitempty,duration"`
	ReconnectDelay    time.Duration
}

type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
	dotenv  []string
	environ func() []string
	baseDir string
}

func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:  zap.NewNop(),
		environ: os.Environ,
		baseDir: ".",
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds configuration sources: file or directory paths, or HCL
// content as []byte.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

// WithDotEnv loads the given .env files into the process environment before
// the configuration is evaluated. Variables already set are not overridden.
func (cb *ConfigBuilder) WithDotEnv(files ...string) *ConfigBuilder {
	cb.dotenv = append(cb.dotenv, files...)
	return cb
}

// WithBaseDir sets the directory file() and fileexists() resolve paths against.
func (cb *ConfigBuilder) WithBaseDir(dir string) *ConfigBuilder {
	cb.baseDir = dir
	return cb
}

func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	var diags hcl.Diagnostics

	if len(cb.dotenv) > 0 {
		if err := godotenv.Load(cb.dotenv...); err != nil {
			return nil, diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to load .env file",
				Detail:   err.Error(),
			})
		}
	}

	bodies, addDiags := ParseConfigFiles(cb.sources...)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": envObject(cb.environ()),
		},
		Functions: GetStandardLibraryFunctions(cb.baseDir),
	}

	userFuncs, bodies, addDiags := extractUserFunctions(bodies, evalCtx)
	diags = diags.Extend(addDiags)
	if diags.HasErrors() {
		return nil, diags
	}
	for name, fn := range userFuncs {
		if _, exists := evalCtx.Functions[name]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Duplicate function",
				Detail:   fmt.Sprintf("Function %s is reserved and can't be overridden", name),
			})
			continue
		}
		evalCtx.Functions[name] = fn
	}
	if diags.HasErrors() {
		return nil, diags
	}

	config := &Config{}
	diags = diags.Extend(gohcl.DecodeBody(hcl.MergeBodies(bodies), evalCtx, config))
	if diags.HasErrors() {
		return nil, diags
	}

	diags = diags.Extend(config.resolve())
	if diags.HasErrors() {
		return nil, diags
	}

	cb.logger.Info("Config built successfully",
		zap.Bool("hub", config.Hub != nil),
		zap.Bool("redis", config.Redis != nil),
		zap.Bool("client", config.Client != nil),
	)
	return config, diags
}

// resolve validates the decoded blocks, fills in defaults and parses durations.
func (c *Config) resolve() hcl.Diagnostics {
	var diags hcl.Diagnostics

	if c.Hub != nil {
		if c.Hub.Listen == "" {
			c.Hub.Listen = DefaultListen
		}
		diags = diags.Extend(validateBlock("hub", c.Hub))
		if c.Hub.HeartbeatRaw != "" {
			heartbeat := parseDuration(c.Hub.HeartbeatRaw, 0)
			c.Hub.Heartbeat = &heartbeat
		}
		c.Hub.WriteTimeout = parseDuration(c.Hub.WriteTimeoutRaw, 0)
		c.Hub.ShutdownTimeout = parseDuration(c.Hub.ShutdownTimeoutRaw, DefaultShutdownTimeout)
	}

	if c.Redis != nil {
		diags = diags.Extend(validateBlock("redis", c.Redis))
		c.Redis.ReconnectDelay = parseDuration(c.Redis.ReconnectDelayRaw, 0)
	}

	if c.Stats != nil && c.Hub == nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Stats without hub",
			Detail:   "A stats block requires a hub block",
		})
	}

	if c.Client != nil {
		diags = diags.Extend(validateBlock("client", c.Client))
		c.Client.ReconnectDelay = parseDuration(c.Client.ReconnectDelayRaw, DefaultClientReconnect)
	}

	return diags
}

// parseDuration returns def for an empty string. Values are validated before
// they get here.
func parseDuration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// ParseConfigFiles parses each source into an HCL body. Directories
// contribute every *.hcl file they contain.
func ParseConfigFiles(sources ...any) ([]hcl.Body, hcl.Diagnostics) {
	parser := hclparse.NewParser()
	var diags hcl.Diagnostics
	bodies := make([]hcl.Body, 0, len(sources))

	for _, source := range sources {
		switch v := source.(type) {
		case string:
			info, err := os.Stat(v)
			if err != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Failed to stat file",
					Detail:   fmt.Sprintf("Error statting %s: %s", v, err),
				})
				continue
			}

			files := []string{v}
			if info.IsDir() {
				files, err = filepath.Glob(filepath.Join(v, "*.hcl"))
				if err != nil {
					diags = diags.Append(&hcl.Diagnostic{
						Severity: hcl.DiagError,
						Summary:  "Failed to list directory",
						Detail:   fmt.Sprintf("Error listing %s: %s", v, err),
					})
					continue
				}
			}

			for _, name := range files {
				file, parseDiags := parser.ParseHCLFile(name)
				diags = diags.Extend(parseDiags)
				if file != nil {
					bodies = append(bodies, file.Body)
				}
			}
		case []byte:
			file, parseDiags := parser.ParseHCL(v, fmt.Sprintf("<bytes@%p>", v))
			diags = diags.Extend(parseDiags)
			if file != nil {
				bodies = append(bodies, file.Body)
			}
		default:
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid source type",
				Detail:   fmt.Sprintf("Unsupported config source type %T", source),
			})
		}
	}

	if len(bodies) == 0 && !diags.HasErrors() {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "No configuration",
			Detail:   "No configuration files were found",
		})
	}

	return bodies, diags
}
