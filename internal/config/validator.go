package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/energizer-project/liqitap/internal/network"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateCapture(&cfg.Capture, result)
	validateOutput(&cfg.Output, &cfg.Database, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateLogging(&cfg.Logging, result)

	return result
}

func validateCapture(c *CaptureConfig, result *ValidationResult) {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		result.AddError("capture.listen_addr", fmt.Sprintf("invalid listen address %q: %v", c.ListenAddr, err))
	}

	if strings.TrimSpace(c.UpstreamURL) == "" {
		result.AddWarning("capture.upstream_url", "no upstream configured, the websocket tap will not start")
	} else {
		u, err := url.Parse(c.UpstreamURL)
		switch {
		case err != nil:
			result.AddError("capture.upstream_url", fmt.Sprintf("invalid URL: %v", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			result.AddError("capture.upstream_url", fmt.Sprintf("scheme must be ws or wss, got %q", u.Scheme))
		case u.Host == "":
			result.AddError("capture.upstream_url", "URL has no host")
		case len(c.Domains) > 0 && !network.NewHostFilter(c.Domains).Match(u.Hostname()):
			// Frames are tagged with the upstream host, so every one would be skipped.
			result.AddWarning("capture.upstream_url",
				fmt.Sprintf("upstream host %q is not in capture.domains, no frames will be decoded", u.Hostname()))
		}
	}

	if len(c.Domains) == 0 {
		result.AddWarning("capture.domains", "domain list is empty, no traffic will be decoded")
	}
	for i, d := range c.Domains {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, "/: ") {
			result.AddError(fmt.Sprintf("capture.domains[%d]", i), fmt.Sprintf("invalid domain %q", d))
		}
	}

	if c.MaxMessageBytes < 1024 {
		result.AddError("capture.max_message_bytes", "must be at least 1024")
	}

	if c.IdleTimeoutSec < 0 {
		result.AddError("capture.idle_timeout_sec", "must not be negative")
	}

	if c.TLSEnabled {
		requireTLSFiles("capture", c.TLSCertFile, c.TLSKeyFile, result)
	}
}

func validateOutput(o *OutputConfig, d *DatabaseConfig, result *ValidationResult) {
	if o.Enabled && strings.TrimSpace(o.Path) == "" {
		result.AddError("output.path", "output path is required when output is enabled")
	}

	if d.Enabled {
		if strings.TrimSpace(d.Path) == "" {
			result.AddError("database.path", "database path is required when the database is enabled")
		}
		if d.RetentionDays < 1 {
			result.AddError("database.retention_days", "retention days must be at least 1")
		}
		if d.PruneIntervalSec < 60 {
			result.AddWarning("database.prune_interval_sec",
				"prune interval less than 60s may cause excessive disk activity")
		}
		if d.CorrelationSize < 1 {
			result.AddError("database.correlation_cache_size", "must be at least 1")
		}
	}

	if !o.Enabled && !d.Enabled {
		result.AddWarning("output", "both the JSON-lines output and the database are disabled, nothing will be recorded")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}

	validatePort(a.Port, "api.port", result)

	if a.Token == "" {
		result.AddWarning("api.token", "no API token set, all endpoints are unauthenticated")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if a.TLSEnabled {
		requireTLSFiles("api", a.TLSCertFile, a.TLSKeyFile, result)
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddError("mqtt.topic_prefix", "topic prefix is required when enabled")
	}
	if strings.ContainsAny(m.TopicPrefix, "#+") {
		result.AddError("mqtt.topic_prefix", "topic prefix must not contain wildcards")
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	switch strings.ToLower(l.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, falling back to info", l.Level))
	}
}

func requireTLSFiles(section, cert, key string, result *ValidationResult) {
	if strings.TrimSpace(cert) == "" {
		result.AddError(section+".tls_cert_file", "TLS certificate file is required when TLS is enabled")
	}
	if strings.TrimSpace(key) == "" {
		result.AddError(section+".tls_key_file", "TLS key file is required when TLS is enabled")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
