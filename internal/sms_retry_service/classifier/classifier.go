// Package classifier decides whether a provider error is worth retrying and how
// long to wait before the next attempt. It does no I/O.
package classifier

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/platform/config"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

// Strategy is a backoff function family.
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Policy is the classification of one error code.
type Policy struct {
	Retryable   bool
	Strategy    Strategy
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps the computed delay; 0 means uncapped.
	MaxDelay time.Duration
	// Jitter is a fraction in [0,1]; up to delay*Jitter is added, never subtracted.
	Jitter float64
}

var nonRetryable = Policy{Retryable: false}

// Delay returns the deterministic backoff before the attempt following attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if !p.Retryable || attempt < 0 {
		return 0
	}
	var d time.Duration
	switch p.Strategy {
	case StrategyExponential:
		d = p.BaseDelay
		for i := 0; i < attempt; i++ {
			if d > math.MaxInt64/2 {
				d = math.MaxInt64
				break
			}
			d *= 2
		}
	case StrategyLinear:
		n := time.Duration(attempt + 1)
		if p.BaseDelay != 0 && n > math.MaxInt64/p.BaseDelay {
			d = math.MaxInt64
		} else {
			d = p.BaseDelay * n
		}
	default:
		return 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) validate(code string) error {
	if !p.Retryable {
		return nil
	}
	switch p.Strategy {
	case StrategyImmediate, StrategyLinear, StrategyExponential:
	default:
		return fmt.Errorf("policy %s: unknown strategy %q", code, p.Strategy)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy %s: retryable policy needs max_attempts >= 1", code)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("policy %s: negative delay", code)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("policy %s: jitter must be within [0,1]", code)
	}
	return nil
}

// DefaultPolicies is the built-in table. Numeric codes follow the Twilio
// error catalogue; NETWORK_ERROR and TIMEOUT are produced by the transport.
func DefaultPolicies() map[string]Policy {
	transient := func(s Strategy, attempts int, base time.Duration) Policy {
		return Policy{Retryable: true, Strategy: s, MaxAttempts: attempts, BaseDelay: base}
	}
	p := map[string]Policy{
		domain.CodeNetworkError: transient(StrategyExponential, 5, 30*time.Second),
		domain.CodeTimeout:      transient(StrategyExponential, 5, 30*time.Second),
		"20429":                 transient(StrategyExponential, 5, time.Minute),
		"30001":                 transient(StrategyExponential, 5, time.Minute),
		"20500":                 transient(StrategyExponential, 4, time.Minute),
		"20503":                 transient(StrategyExponential, 4, time.Minute),
		"30003":                 transient(StrategyLinear, 3, 5*time.Minute),
		"30008":                 transient(StrategyLinear, 3, 5*time.Minute),
		"30009":                 transient(StrategyImmediate, 2, 0),
	}
	for _, code := range []string{"21211", "21214", "21610", "21614", "30002", "30004", "30005", "30006", "30007", "30010"} {
		p[code] = nonRetryable
	}
	return p
}

// Classifier maps error codes to policies. Safe for concurrent use; the table
// is read-only after construction.
type Classifier struct {
	policies map[string]Policy
	rand     func() float64
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRand replaces the jitter source. Tests use it for determinism.
func WithRand(f func() float64) Option {
	return func(c *Classifier) { c.rand = f }
}

// New builds a classifier from the default table with overrides replacing
// entries per code.
func New(overrides map[string]Policy, opts ...Option) (*Classifier, error) {
	policies := DefaultPolicies()
	for code, p := range overrides {
		code = normalize(code)
		if code == "" {
			return nil, fmt.Errorf("policy with empty error code")
		}
		if err := p.validate(code); err != nil {
			return nil, err
		}
		policies[code] = p
	}
	c := &Classifier{policies: policies, rand: rand.Float64}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFromConfig builds a classifier from the retry.policies configuration section.
func NewFromConfig(cfg map[string]config.PolicyConfig, opts ...Option) (*Classifier, error) {
	overrides := make(map[string]Policy, len(cfg))
	for code, pc := range cfg {
		overrides[code] = Policy{
			Retryable:   pc.Retryable,
			Strategy:    Strategy(strings.ToLower(pc.Strategy)),
			MaxAttempts: pc.MaxAttempts,
			BaseDelay:   pc.BaseDelay,
			MaxDelay:    pc.MaxDelay,
			Jitter:      pc.Jitter,
		}
	}
	return New(overrides, opts...)
}

// Classify returns the policy for code. Unknown codes are not retryable.
func (c *Classifier) Classify(code string) Policy {
	if p, ok := c.policies[normalize(code)]; ok {
		return p
	}
	return nonRetryable
}

// ComputeDelay returns the wait before the next attempt after attempt attempts
// have been made, including any configured jitter.
func (c *Classifier) ComputeDelay(code string, attempt int) time.Duration {
	p := c.Classify(code)
	d := p.Delay(attempt)
	if d <= 0 || p.Jitter <= 0 {
		return d
	}
	extra := time.Duration(float64(d) * p.Jitter * c.rand())
	if extra < 0 || d > math.MaxInt64-extra {
		return d
	}
	return d + extra
}

// viper lower-cases map keys, so codes are compared upper-cased.
func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
