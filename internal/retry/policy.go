// Package retry decides whether a failed transfer is attempted again and
// how long to wait before doing so.
package retry

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/tinoosan/podfetch/internal/data"
)

const (
	DefaultBase        = 2 * time.Second
	DefaultMax         = 2 * time.Minute
	DefaultJitter      = 0.2
	DefaultMaxAttempts = 5

	// MaxJitter is the exclusive upper bound on Jitter. Below it a jittered
	// delay always exceeds the previous one until the cap is reached.
	MaxJitter = 1.0 / 3
)

// aria2 exit status codes that are worth another attempt. Anything not
// listed here or in fatalCodes is treated as retryable.
var retryableCodes = map[int]string{
	1:  "unknown error",
	2:  "timeout",
	5:  "download too slow",
	6:  "network problem",
	7:  "unfinished downloads",
	8:  "resume not supported",
	10: "piece length mismatch",
	11: "same file already downloading",
	19: "name resolution failed",
	21: "ftp command failed",
	22: "bad http response header",
	23: "too many redirects",
	29: "server overloaded",
	32: "checksum validation failed",
}

var fatalCodes = map[int]string{
	3:  "resource not found",
	4:  "too many not found responses",
	9:  "not enough disk space",
	12: "same info hash already downloading",
	13: "file already exists",
	14: "renaming failed",
	15: "could not open existing file",
	16: "could not create file",
	17: "file i/o error",
	18: "could not create directory",
	20: "metalink parse failed",
	24: "http authorization failed",
	25: "bencode parse failed",
	26: "corrupt torrent",
	27: "bad magnet uri",
	28: "bad option",
	30: "bad json-rpc request",
	31: "reserved",
}

// Policy classifies engine error codes and computes exponential backoff.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int

	// RetryableCodes and FatalCodes override the built-in class of the
	// listed codes. A code present in both is fatal.
	RetryableCodes []int
	FatalCodes     []int

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter, MaxAttempts: DefaultMaxAttempts}
}

// Decision is the outcome of consulting the policy after a failure.
type Decision struct {
	Retry bool
	Delay time.Duration
	Class data.ErrorClass
}

// Classify maps an aria2 error code to a class. Codes arrive as decimal
// strings from tellStatus; unparsable and unknown codes are retryable.
func (p Policy) Classify(code string) data.ErrorClass {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return data.ClassRetryable
	}
	if contains(p.FatalCodes, n) {
		return data.ClassFatal
	}
	if contains(p.RetryableCodes, n) {
		return data.ClassRetryable
	}
	if _, ok := fatalCodes[n]; ok {
		return data.ClassFatal
	}
	return data.ClassRetryable
}

// Describe returns a short human description of an aria2 error code.
func Describe(code string) string {
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return "unknown error"
	}
	if d, ok := fatalCodes[n]; ok {
		return d
	}
	if d, ok := retryableCodes[n]; ok {
		return d
	}
	return "unknown error"
}

// Error builds the classified error for an engine failure.
func (p Policy) Error(code, message string) *data.DownloadError {
	if message == "" {
		message = Describe(code)
	}
	return &data.DownloadError{Code: code, Message: message, Class: p.Classify(code)}
}

// NextDelay returns the wait before the attempt following the given one:
// Base * 2^(attempt-1) capped at Max, scaled by a random factor in
// [1-Jitter, 1+Jitter].
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	limit := p.Max
	if limit <= 0 {
		limit = DefaultMax
	}
	delay := base
	for i := 1; i < attempt && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		factor := 1 + p.Jitter*(2*r()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// Decide applies classification and the attempt ceiling. attempt is the
// number of the attempt that just failed.
func (p Policy) Decide(attempt int, code string) Decision {
	class := p.Classify(code)
	d := Decision{Class: class}
	if class == data.ClassFatal {
		return d
	}
	if attempt >= p.maxAttempts() {
		return d
	}
	d.Retry = true
	d.Delay = p.NextDelay(attempt)
	return d
}

// Validate rejects settings that would make the policy meaningless.
func (p Policy) Validate() error {
	if p.Base < 0 || p.Max < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if p.Base > 0 && p.Max > 0 && p.Max < p.Base {
		return fmt.Errorf("retry max delay %s is below base %s", p.Max, p.Base)
	}
	if p.Jitter < 0 || p.Jitter >= MaxJitter {
		return fmt.Errorf("retry jitter must be in [0, 1/3), got %v", p.Jitter)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must not be negative")
	}
	return nil
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func contains(codes []int, n int) bool {
	for _, c := range codes {
		if c == n {
			return true
		}
	}
	return false
}
