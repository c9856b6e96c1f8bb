package pow

import (
	"errors"
	"strconv"
	"time"
)

const (
	AlgorithmDeepSeekHashV1 = "DeepSeekHashV1"

	CompletionTargetPath = "/api/v0/chat/completion"
	LoginTargetPath      = "/api/v0/users/login"
)

var (
	ErrChallengeExpired     = errors.New("pow challenge expired")
	ErrUnsupportedAlgorithm = errors.New("pow algorithm not supported")
	ErrNoSolution           = errors.New("pow challenge has no solution within difficulty")
)

// Challenge is the proof-of-work descriptor issued by the upstream.
type Challenge struct {
	Algorithm  string `json:"algorithm"`
	Challenge  string `json:"challenge"`
	Salt       string `json:"salt"`
	Signature  string `json:"signature"`
	Difficulty int64  `json:"difficulty"`
	ExpireAt   int64  `json:"expire_at"`
	TargetPath string `json:"target_path,omitempty"`
}

// Prefix is the string every candidate counter is appended to.
func (c Challenge) Prefix() string {
	return c.Salt + "_" + strconv.FormatInt(c.ExpireAt, 10) + "_"
}

// Expiry converts ExpireAt to a time. Upstream sends unix milliseconds; small
// values are treated as seconds. Zero means no expiry.
func (c Challenge) Expiry() (time.Time, bool) {
	if c.ExpireAt <= 0 {
		return time.Time{}, false
	}
	if c.ExpireAt < 1e12 {
		return time.Unix(c.ExpireAt, 0), true
	}
	return time.UnixMilli(c.ExpireAt), true
}

func (c Challenge) Validate() error {
	if c.Challenge == "" || c.Salt == "" {
		return errors.New("pow challenge missing challenge or salt")
	}
	if c.Difficulty <= 0 {
		return errors.New("pow challenge has non-positive difficulty")
	}
	return nil
}
