package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/coachd/pkg/models"
)

// ReferenceSource produces the stable reference block of the system prompt.
// It is consulted on every build so the data is never stale.
type ReferenceSource interface {
	Reference(ctx context.Context, session *models.Session) (string, error)
}

// Profile holds the caller facts rendered into the reference block.
type Profile struct {
	Name     string
	Email    string
	Timezone string
	Facts    []string
}

// ProfileLookup returns the profile of a caller. A nil profile with a nil
// error means the caller has none.
type ProfileLookup func(ctx context.Context, ownerID string) (*Profile, error)

// ProfileReference renders caller profile facts and the current date in the
// caller's timezone.
type ProfileReference struct {
	profiles ProfileLookup
	location *time.Location
	now      func() time.Time
}

// ProfileReferenceOption configures a ProfileReference.
type ProfileReferenceOption func(*ProfileReference)

// WithProfiles sets the profile lookup.
func WithProfiles(lookup ProfileLookup) ProfileReferenceOption {
	return func(r *ProfileReference) { r.profiles = lookup }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProfileReferenceOption {
	return func(r *ProfileReference) { r.now = now }
}

// NewProfileReference creates a reference source. defaultLocation is used
// when the caller has no timezone; nil means UTC.
func NewProfileReference(defaultLocation *time.Location, opts ...ProfileReferenceOption) *ProfileReference {
	if defaultLocation == nil {
		defaultLocation = time.UTC
	}
	r := &ProfileReference{location: defaultLocation, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ProfileReference) Reference(ctx context.Context, session *models.Session) (string, error) {
	var profile *Profile
	if r.profiles != nil {
		p, err := r.profiles(ctx, session.OwnerID)
		if err != nil {
			return "", fmt.Errorf("failed to load caller profile: %w", err)
		}
		profile = p
	}

	loc := r.location
	if profile != nil && profile.Timezone != "" {
		if tz, err := time.LoadLocation(profile.Timezone); err == nil {
			loc = tz
		}
	}
	now := r.now().In(loc)

	var b strings.Builder
	fmt.Fprintf(&b, "Current date: %s (%s)\n", now.Format("2006-01-02"), now.Weekday())
	fmt.Fprintf(&b, "Timezone: %s\n", loc.String())
	if profile != nil {
		if profile.Name != "" {
			fmt.Fprintf(&b, "Caller: %s\n", profile.Name)
		}
		if profile.Email != "" {
			fmt.Fprintf(&b, "Email: %s\n", profile.Email)
		}
		if len(profile.Facts) > 0 {
			b.WriteString("Profile:\n")
			for _, fact := range profile.Facts {
				fmt.Fprintf(&b, "- %s\n", fact)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
