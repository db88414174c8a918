package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/intheon/stream-viewer/errors"
)

// State classifies how well a component is working.
type State string

const (
	// StateHealthy means the component is operating normally.
	StateHealthy State = "healthy"
	// StateDegraded means the component is impaired but expected to
	// recover on its own, typically a transient fault mid-retry.
	StateDegraded State = "degraded"
	// StateUnhealthy means the component is not functioning.
	StateUnhealthy State = "unhealthy"
)

// Pre-compiled sanitization patterns. Broker and transport URLs carry
// credentials in userinfo, so they are stripped before paths.
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	brokerURLRegex   = regexp.MustCompile(`(?:mqtts?|tcp|ssl)://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status reports the health of one component or an aggregate of several.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	State       State     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries operational counters alongside a status.
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	StreamCount  int           `json:"stream_count,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy reports whether the status is healthy.
func (s Status) IsHealthy() bool {
	return s.State == StateHealthy
}

// IsDegraded reports whether the status is degraded.
func (s Status) IsDegraded() bool {
	return s.State == StateDegraded
}

// IsUnhealthy reports whether the status is unhealthy.
func (s Status) IsUnhealthy() bool {
	return s.State == StateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy of the status with one more sub-status.
// The sub-status slice is never shared with the receiver.
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// FromError builds a status for a component from an operational error.
// A nil error reports healthy. Transient and timeout errors report
// degraded, since retry loops are expected to clear them; unclassified
// errors classify as transient and land there too. Invalid and fatal
// errors report unhealthy. The error text is sanitized before it is
// exposed, so endpoint addresses and credentials never reach health
// consumers.
func FromError(name string, err error) Status {
	if err == nil {
		return NewHealthy(name, name+" operational")
	}

	message := sanitizeErrorMessage(err.Error())
	if errors.IsTransient(err) || errors.IsTimeout(err) {
		return NewDegraded(name, message)
	}
	return NewUnhealthy(name, message)
}

// sanitizeErrorMessage strips addresses, paths, and credentials from an
// error message before it is stored in a Status. Health output ends up
// on dashboards and in logs that outlive the process, so the raw text
// of connection failures never passes through unscrubbed.
//
// Replacements:
//   - URLs (http, https, nats, ws, wss, mqtt, mqtts, tcp, ssl) -> [URL]
//   - file paths (Unix and Windows) -> [PATH]
//   - IP addresses -> [IP]
//   - port numbers -> :[PORT]
//   - credential key/value pairs -> [REDACTED]
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	sanitized := msg

	// URLs before paths, since a URL contains a path.
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = brokerURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")

	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	// The credential regex is expensive, so gate it on a cheap scan.
	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}
