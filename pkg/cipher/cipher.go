// Package cipher negotiates the message-level encryption suite with the
// backend.
package cipher

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// NoneName is the suite name of the null cipher. It needs no key material
// but still requires the selection round-trip.
const NoneName = "none"

// Descriptor identifies a cipher the application accepts.
type Descriptor struct {
	ID     int    `json:"id" mapstructure:"id"`
	Cipher string `json:"cipher" mapstructure:"cipher"`
	Mode   string `json:"mode" mapstructure:"mode"`
}

// Supported lists the ciphers this client can operate.
var Supported = []Descriptor{
	{ID: 2, Cipher: NoneName, Mode: ""},
}

// KeyLength is a suite key length. The backend sends it either as a number
// or as a numeric string.
type KeyLength int

// UnmarshalJSON implements json.Unmarshaler.
func (k *KeyLength) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*k = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("cipher: invalid keylength %q", s)
		}
		n = int(f)
	}
	*k = KeyLength(n)
	return nil
}

// Suite is a cipher suite offered by the backend.
type Suite struct {
	Name      string    `json:"name"`
	Mode      string    `json:"mode"`
	KeyLength KeyLength `json:"keylength"`
}

// IsZero reports whether s is the empty suite.
func (s Suite) IsZero() bool {
	return s == Suite{}
}

// IsNone reports whether s is the null cipher.
func (s Suite) IsNone() bool {
	return strings.EqualFold(s.Name, NoneName)
}

// Params renders the suite in the shape expected by the selection event.
func (s Suite) Params() map[string]any {
	return map[string]any{
		"name":      s.Name,
		"mode":      s.Mode,
		"keylength": int(s.KeyLength),
	}
}

// ParsePool converts the cipher_suites value of a push into suites. It
// accepts the decoded JSON ([]any of objects) or a []Suite.
func ParsePool(v any) ([]Suite, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []Suite:
		out := make([]Suite, len(t))
		copy(out, t)
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cipher: encode pool: %w", err)
	}
	var pool []Suite
	if err := json.Unmarshal(data, &pool); err != nil {
		return nil, fmt.Errorf("cipher: decode pool: %w", err)
	}
	return pool, nil
}

// MatchLocal returns the acceptable descriptors that are also supported,
// compared on (id, cipher, mode) exactly. Order follows acceptable.
func MatchLocal(acceptable, supported []Descriptor) []Descriptor {
	var out []Descriptor
	for _, a := range acceptable {
		for _, s := range supported {
			if a == s {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// Selector picks one suite from a non-empty candidate list.
type Selector func(candidates []Suite) Suite

// Random picks uniformly at random.
func Random(candidates []Suite) Suite {
	return candidates[rand.IntN(len(candidates))]
}

// First picks the first candidate. Useful for deterministic tests.
func First(candidates []Suite) Suite {
	return candidates[0]
}

// Reconcile returns the pool entries whose (name, mode) match an entry of
// matched, compared case-insensitively, and lets selector pick one of them.
// It reports false when there is no candidate.
func Reconcile(matched []Descriptor, pool []Suite, selector Selector) (Suite, bool) {
	candidates := Candidates(matched, pool)
	if len(candidates) == 0 {
		return Suite{}, false
	}
	if selector == nil {
		selector = Random
	}
	return selector(candidates), true
}

// Candidates returns the pool entries acceptable under matched.
func Candidates(matched []Descriptor, pool []Suite) []Suite {
	var out []Suite
	for _, p := range pool {
		for _, m := range matched {
			if strings.EqualFold(p.Name, m.Cipher) && strings.EqualFold(p.Mode, m.Mode) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
