package approval

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CodeAlphabet excludes 0, O, 1, I and L.
const CodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// CodeLength is the number of characters in an approval code.
const CodeLength = 6

// MaxCodeAttempts bounds regeneration on collision.
const MaxCodeAttempts = 16

// ErrCodeSpaceExhausted is returned when no unused code was found.
var ErrCodeSpaceExhausted = errors.New("approval code space exhausted")

// GenerateCode draws a code from r using rejection sampling.
func GenerateCode(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	// Largest multiple of the alphabet size that fits in a byte.
	limit := byte(256 - 256%len(CodeAlphabet))
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, CodeAlphabet[int(b)%len(CodeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// UniqueCode draws codes until taken reports false, at most MaxCodeAttempts times.
func UniqueCode(r io.Reader, taken func(code string) bool) (string, error) {
	for range MaxCodeAttempts {
		code, err := GenerateCode(r)
		if err != nil {
			return "", err
		}
		if !taken(code) {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// ValidCode reports whether code has the right length and alphabet.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, ch := range code {
		if !strings.ContainsRune(CodeAlphabet, ch) {
			return false
		}
	}
	return true
}
