package pow

import (
	"encoding/base64"
	"encoding/json"
)

type headerPayload struct {
	Algorithm  string `json:"algorithm"`
	Challenge  string `json:"challenge"`
	Salt       string `json:"salt"`
	Answer     int64  `json:"answer"`
	Signature  string `json:"signature"`
	TargetPath string `json:"target_path"`
}

// EncodeHeader renders the x-ds-pow-response header value for a solved challenge.
func EncodeHeader(ch Challenge, answer int64) (string, error) {
	target := ch.TargetPath
	if target == "" {
		target = CompletionTargetPath
	}
	b, err := json.Marshal(headerPayload{
		Algorithm:  ch.Algorithm,
		Challenge:  ch.Challenge,
		Salt:       ch.Salt,
		Answer:     answer,
		Signature:  ch.Signature,
		TargetPath: target,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
