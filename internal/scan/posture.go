package scan

import (
	"fmt"
	"strings"
)

// Posture is the current assessment of the target site's anti-bot defenses.
// Values are ordered by severity.
type Posture int

// Posture levels, least to most severe.
const (
	PostureSafe Posture = iota
	PostureCloudflare
	PostureCaptcha
	PostureBlocked
)

var postureNames = [...]string{"safe", "cloudflare", "captcha", "blocked"}

// String returns the wire name of the posture.
func (p Posture) String() string {
	if p < PostureSafe || p > PostureBlocked {
		return fmt.Sprintf("posture(%d)", int(p))
	}
	return postureNames[p]
}

// ParsePosture converts a wire name into a Posture.
func ParsePosture(s string) (Posture, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range postureNames {
		if n == name {
			return Posture(i), nil
		}
	}
	return PostureSafe, fmt.Errorf("%w: unknown posture %q", ErrValidation, s)
}

// Blocks reports whether admissions are refused at this level.
func (p Posture) Blocks() bool {
	return p == PostureBlocked
}

// MarshalText implements encoding.TextMarshaler.
func (p Posture) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Posture) UnmarshalText(b []byte) error {
	parsed, err := ParsePosture(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
