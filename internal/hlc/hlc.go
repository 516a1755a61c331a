// Package hlc implements the hybrid logical clock used to stamp, order
// and conflict-resolve column changes.
//
// A timestamp is rendered as "<packed>/<device>", where packed holds
// 48 bits of Unix milliseconds and a 16-bit logical counter, printed as
// a zero-padded decimal. Padding keeps clock-produced values
// lexicographically sortable, which the SQLite dirty-ledger triggers
// rely on. Compare additionally understands bare numeric values so
// cursors handed in by older servers still order correctly.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	logicalBits = 16
	logicalMask = 1<<logicalBits - 1
	packedWidth = 20
	separator   = "/"
)

// Clock hands out strictly increasing timestamps for one device.
type Clock struct {
	mu     sync.Mutex
	latest int64
	device string
	now    func() time.Time
}

// New creates a clock for the given device id.
func New(deviceID string) *Clock {
	return &Clock{device: deviceID, now: time.Now}
}

// Now returns a timestamp strictly greater than any previously returned
// or observed through Update.
func (c *Clock) Now() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	oldPhys := c.latest >> logicalBits
	oldLogical := c.latest & logicalMask

	newPhys, newLogical := phys, int64(0)
	if phys <= oldPhys {
		newPhys = oldPhys
		newLogical = oldLogical + 1
	}

	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = newPhys<<logicalBits | newLogical

	return Format(c.latest, c.device)
}

// Update folds a remote timestamp into the clock so the next local
// timestamp sorts after it. Unparseable values are ignored.
func (c *Clock) Update(remote string) {
	packed, _, ok := Parse(remote)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	remotePhys := packed >> logicalBits
	remoteLogical := packed & logicalMask
	oldPhys := c.latest >> logicalBits
	oldLogical := c.latest & logicalMask

	newPhys := max(oldPhys, remotePhys, phys)

	var newLogical int64

	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		newLogical = max(oldLogical, remoteLogical) + 1
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	}

	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = newPhys<<logicalBits | newLogical
}

// Device returns the device id embedded into every timestamp.
func (c *Clock) Device() string {
	return c.device
}

// Format renders a packed value and device id.
func Format(packed int64, device string) string {
	return fmt.Sprintf("%0*d%s%s", packedWidth, packed, separator, device)
}

// Parse splits a timestamp into its packed numeric part and device id.
// A bare number parses with an empty device.
func Parse(ts string) (int64, string, bool) {
	if ts == "" {
		return 0, "", false
	}

	num, device, _ := strings.Cut(ts, separator)

	packed, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, "", false
	}

	return packed, device, true
}

// Canonical reports whether ts has the zero-padded form the clock
// produces. Canonical values can be range-compared as plain strings
// against each other and against shorter bare numbers.
func Canonical(ts string) bool {
	num, _, _ := strings.Cut(ts, separator)
	if len(num) != packedWidth {
		return false
	}

	_, _, ok := Parse(ts)

	return ok
}

// Physical returns the wall-clock component of a timestamp.
func Physical(ts string) time.Time {
	packed, _, ok := Parse(ts)
	if !ok {
		return time.Time{}
	}

	return time.UnixMilli(packed >> logicalBits)
}

// Compare orders two timestamps: -1 if a < b, 0 if equal, 1 if a > b.
// The empty string sorts before everything. Numeric parts are compared
// as numbers, ties broken by device id.
func Compare(a, b string) int {
	if a == b {
		return 0
	}

	if a == "" {
		return -1
	}

	if b == "" {
		return 1
	}

	pa, da, okA := Parse(a)
	pb, db, okB := Parse(b)

	if !okA || !okB {
		return strings.Compare(a, b)
	}

	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	}

	return strings.Compare(da, db)
}

// After reports whether a sorts strictly after b.
func After(a, b string) bool {
	return Compare(a, b) > 0
}

// Max returns the later of the given timestamps, or "" when none are
// given.
func Max(ts ...string) string {
	var out string

	for _, t := range ts {
		if After(t, out) {
			out = t
		}
	}

	return out
}
