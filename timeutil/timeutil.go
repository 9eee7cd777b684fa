// Copyright (c) 2025 The quotad authors.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package timeutil is the single place where timestamps are brought
// into the application time zone before they are compared, subtracted,
// or shown to users.
//
// Persisted timestamps may come back from the store in any zone
// representation: TIMESTAMPTZ columns scan as UTC instants, legacy
// zone-less columns scan with a UTC location holding the wall clock
// they were written with (which this application treats as UTC), and
// values built in memory carry whatever location created them. All of
// them must go through [Normalize] before arithmetic, so that wait
// time calculations never silently mix zones.
package timeutil

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// DefaultZone is the fixed application time zone. Every persisted
// timestamp is interpreted relative to this zone unless the service is
// configured otherwise.
const DefaultZone = "Asia/Kolkata"

var defaultLocation = mustLoad(DefaultZone)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("cannot load time zone %q: %v", name, err))
	}

	return loc
}

// DefaultLocation returns the location of [DefaultZone].
func DefaultLocation() *time.Location {
	return defaultLocation
}

// Location resolves an IANA zone name, defaulting to [DefaultZone]
// when name is empty.
func Location(name string) (*time.Location, error) {
	if name == "" {
		return defaultLocation, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("cannot load time zone %q: %w", name, err)
	}

	return loc, nil
}

// Normalize converts t into loc. A nil loc means the application
// default. Both operands of any timestamp comparison or subtraction
// must pass through here first.
func Normalize(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = defaultLocation
	}

	return t.In(loc)
}

// Now returns the current time in loc (application default when nil).
func Now(loc *time.Location) time.Time {
	return Normalize(time.Now(), loc)
}

// FormatDuration renders d as an hours/minutes/seconds breakdown for
// user-facing retry messages, e.g. "1 hours 12 minutes 4 seconds".
// Sub-second remainders round up so the message never understates the
// wait; non-positive durations render as "0 seconds".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	d = d.Round(0)
	secs := int64((d + time.Second - 1) / time.Second)

	var (
		hours   = secs / 3600
		minutes = (secs % 3600) / 60
		seconds = secs % 60
	)

	var b strings.Builder
	if hours > 0 {
		fmt.Fprintf(&b, "%d hours ", hours)
	}
	if minutes > 0 || hours > 0 {
		fmt.Fprintf(&b, "%d minutes ", minutes)
	}
	fmt.Fprintf(&b, "%d seconds", seconds)

	return b.String()
}
