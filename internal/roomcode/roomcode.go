// Package roomcode handles the short codes people read out to each other to
// meet in a room, and the participant identifiers derived from them.
package roomcode

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/BioHazard786/Huddle/internal/apperr"
)

// Length is the number of characters in a room code.
const Length = 6

// HostPrefix namespaces host identifiers on the rendezvous service.
const HostPrefix = "huddle-"

// charset leaves out 0/O and 1/I so generated codes survive being read aloud.
const charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Normalize trims and upper-cases user input. It is idempotent.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate reports whether an already normalised code has the right shape.
func Validate(code string) error {
	if len(code) != Length {
		return apperr.Wrap("validate room code", apperr.ErrInvalidRoomCode,
			fmt.Sprintf("%q must be %d characters", code, Length))
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return apperr.Wrap("validate room code", apperr.ErrInvalidRoomCode,
				fmt.Sprintf("%q contains %q", code, r))
		}
	}
	return nil
}

// Parse normalises and validates a code typed by a user.
func Parse(code string) (string, error) {
	code = Normalize(code)
	if err := Validate(code); err != nil {
		return "", err
	}
	return code, nil
}

// Generate returns a random code drawn from an unambiguous alphabet.
func Generate() (string, error) {
	var b strings.Builder
	b.Grow(Length)
	max := big.NewInt(int64(len(charset)))
	for range Length {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		b.WriteByte(charset[n.Int64()])
	}
	return b.String(), nil
}

// HostID derives the stable participant id a host registers under, so that
// a second host of the same code collides on the rendezvous service.
func HostID(code string) string {
	return HostPrefix + strings.ToLower(Normalize(code))
}

// NewParticipantID returns a fresh random id for a guest.
func NewParticipantID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// FromInput accepts either a bare code or a share link such as
// https://huddle.example/r/ABC123 and returns the normalised code.
func FromInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", apperr.Wrap("parse room", apperr.ErrInvalidRoomCode, "room code cannot be empty")
	}
	if strings.Contains(input, "://") || strings.Contains(input, "/") {
		code, err := fromLink(input)
		if err != nil {
			return "", err
		}
		return Parse(code)
	}
	return Parse(input)
}

func fromLink(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", apperr.Wrap("parse room link", apperr.ErrInvalidRoomCode, err.Error())
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "r" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}
	if code := u.Query().Get("room"); code != "" {
		return code, nil
	}
	return "", apperr.Wrap("parse room link", apperr.ErrInvalidRoomCode,
		fmt.Sprintf("no room code in %s", link))
}

// Link builds a share link for code rooted at base (scheme and host).
func Link(base, code string) string {
	return strings.TrimSuffix(base, "/") + "/r/" + Normalize(code)
}
