package pow

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

// checkEvery bounds how many candidates are tried between ctx checks.
const checkEvery = 1024

// Hasher is the black-box hash primitive of a challenge family.
type Hasher interface {
	Sum(data []byte) []byte
}

type HasherFunc func(data []byte) []byte

func (f HasherFunc) Sum(data []byte) []byte { return f(data) }

// SHA3 is the default primitive for DeepSeekHashV1.
var SHA3 Hasher = HasherFunc(func(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
})

// Backend searches a challenge's counter space.
type Backend interface {
	Search(ctx context.Context, ch Challenge) (int64, error)
}

// HashSearch finds the smallest n in [0, difficulty) with
// hash(prefix + n) equal to the challenge digest.
type HashSearch struct {
	Hasher Hasher
}

func NewHashSearch(h Hasher) *HashSearch {
	if h == nil {
		h = SHA3
	}
	return &HashSearch{Hasher: h}
}

func (s *HashSearch) Search(ctx context.Context, ch Challenge) (int64, error) {
	target, err := hex.DecodeString(strings.TrimSpace(ch.Challenge))
	if err != nil {
		return 0, fmt.Errorf("decode challenge digest: %w", err)
	}
	prefix := ch.Prefix()
	buf := make([]byte, 0, len(prefix)+20)
	buf = append(buf, prefix...)
	for n := int64(0); n < ch.Difficulty; n++ {
		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		candidate := strconv.AppendInt(buf[:len(prefix)], n, 10)
		if bytes.Equal(s.Hasher.Sum(candidate), target) {
			return n, nil
		}
	}
	return 0, ErrNoSolution
}
