// Package auth provides JWT verification and issuance for broker sessions
// and the tag-based access checks derived from verified tokens.
package auth

import (
	"slices"
	"time"
)

// Wildcard in an allowed-tag set grants access to every server.
const Wildcard = "*"

// ClientContext is the authenticated identity attached to one session.
type ClientContext struct {
	Subject         string
	AllowedTags     []string
	AuthenticatedAt time.Time
}

// HasAccessToTags reports whether the context may use a server labelled with
// the given tags. Access is OR over tags: sharing any one tag suffices. A
// wildcard context is allowed everything, including servers with no tags at
// all; for any other context an empty required set denies.
func (c *ClientContext) HasAccessToTags(required []string) bool {
	if c == nil {
		return false
	}
	if slices.Contains(c.AllowedTags, Wildcard) {
		return true
	}
	for _, tag := range required {
		if slices.Contains(c.AllowedTags, tag) {
			return true
		}
	}
	return false
}

// HasTag reports whether the context holds the single tag, with the wildcard
// granting everything.
func (c *ClientContext) HasTag(tag string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.AllowedTags, Wildcard) || slices.Contains(c.AllowedTags, tag)
}
