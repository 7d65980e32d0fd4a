// Package ingest runs livestream connections: it parses connection targets,
// owns one worker per active session, normalizes platform events, and
// publishes them to the tenant's broker stream.
package ingest

import (
	"fmt"
	"regexp"
	"strings"
)

// TargetType classifies what a connection target refers to.
type TargetType string

const (
	TargetUsername TargetType = "username"
	TargetRoomID   TargetType = "room_id"
	TargetShortURL TargetType = "short_url"
)

// Target is a parsed livestream connection target.
type Target struct {
	Type  TargetType `json:"type"`
	Value string     `json:"value"`
}

var (
	reLiveURL  = regexp.MustCompile(`tiktok\.com/@([^/]+)/live`)
	reRoomURL  = regexp.MustCompile(`tiktok\.com/live/([^/?]+)`)
	reShortURL = regexp.MustCompile(`vm\.tiktok\.com/([^/?]+)`)
	reRoomID   = regexp.MustCompile(`^\d{19}$`)
	reHandle   = regexp.MustCompile(`^@?([a-zA-Z0-9._]+)$`)
)

// ParseTarget classifies a user-supplied connection target. Accepted forms:
//
//	https://www.tiktok.com/@user/live   -> username
//	https://www.tiktok.com/live/123...  -> room_id
//	https://vm.tiktok.com/ZMabc/        -> short_url (kept whole for resolution)
//	7234567890123456789 (19 digits)     -> room_id
//	@user or user                       -> username
func ParseTarget(input string) (Target, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Target{}, fmt.Errorf("empty target")
	}

	if strings.Contains(input, "tiktok.com") {
		if m := reLiveURL.FindStringSubmatch(input); m != nil {
			return Target{Type: TargetUsername, Value: m[1]}, nil
		}
		if m := reShortURL.FindStringSubmatch(input); m != nil {
			return Target{Type: TargetShortURL, Value: input}, nil
		}
		if m := reRoomURL.FindStringSubmatch(input); m != nil {
			return Target{Type: TargetRoomID, Value: m[1]}, nil
		}
		return Target{}, fmt.Errorf("unrecognized tiktok url: %s", input)
	}

	if reRoomID.MatchString(input) {
		return Target{Type: TargetRoomID, Value: input}, nil
	}

	if m := reHandle.FindStringSubmatch(input); m != nil {
		return Target{Type: TargetUsername, Value: m[1]}, nil
	}

	return Target{}, fmt.Errorf("invalid target: %s", input)
}

// Key returns a stable identity for duplicate-connection checks.
func (t Target) Key() string {
	return string(t.Type) + "/" + t.Value
}
