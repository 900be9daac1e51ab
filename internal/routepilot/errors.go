package routepilot

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that do not carry structured fields.
var (
	ErrStreamNoDelta    = errors.New("stream produced no content delta")
	ErrNoBalancedJSON   = errors.New("no balanced JSON object found in output")
	ErrReceiptImmutable = errors.New("receipt already written")
)

// ConfigError reports a missing or invalid environment variable.
type ConfigError struct {
	Var     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Var, e.Message)
}

// PolicyIssue is one validation failure within a Policy document.
type PolicyIssue struct {
	Path    string
	Message string
}

// PolicyError reports a missing or schema-invalid policy document.
type PolicyError struct {
	Name   string
	Issues []PolicyIssue
}

func (e *PolicyError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("policy %q: not found", e.Name)
	}
	return fmt.Sprintf("policy %q: %d validation issue(s): %s", e.Name, len(e.Issues), e.Issues[0].Message)
}

// QuotaErrorKind discriminates between the two quota gates.
type QuotaErrorKind string

const (
	QuotaKindRPM   QuotaErrorKind = "rpm"
	QuotaKindDaily QuotaErrorKind = "daily"
)

// QuotaError reports that a user has exceeded a rate or daily-token cap.
type QuotaError struct {
	Kind  QuotaErrorKind
	Limit int64
	When  string // YYYY-MM-DD, only set for QuotaKindDaily
}

func (e *QuotaError) Error() string {
	if e.Kind == QuotaKindDaily {
		return fmt.Sprintf("quota: daily token cap %d exceeded for %s", e.Limit, e.When)
	}
	return fmt.Sprintf("quota: rpm cap %d exceeded", e.Limit)
}

// GatewayError reports a non-successful HTTP response from the upstream
// gateway. It satisfies the httpStatusError interface the router uses for
// failure classification.
type GatewayError struct {
	Status int
	Body   string // truncated to <=300 bytes
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: HTTP %d: %s", e.Status, e.Body)
}

// HTTPStatus implements the classification interface consumed by the router.
func (e *GatewayError) HTTPStatus() int { return e.Status }

// RouterAttempt records one attempt's outcome for a RouterError.
type RouterAttempt struct {
	Model   string
	Message string
	Status  *int
}

// RouterError reports that every route in the ladder was exhausted without
// producing a first content delta.
type RouterError struct {
	Attempts []RouterAttempt
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router: exhausted %d attempt(s)", len(e.Attempts))
}

// ShortBody truncates a response body to at most n bytes, the shape the
// router attaches to a GatewayError.
func ShortBody(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n])
}
