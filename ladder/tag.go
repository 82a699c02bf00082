// Package ladder holds the pure exit-plan logic: the take-profit
// ladder planner and the ownership tag scheme embedded in client
// order ids.
package ladder

import (
	"fmt"
	"strconv"
	"strings"
)

// stopLabel is the rung-index slot used for protective stop orders.
const stopLabel = "SL"

// Tag is the ownership label embedded in a client order id. It is the
// only state needed to recognize our own orders, so a restarted
// process re-adopts them without any local bookkeeping.
//
// Wire format: PREFIX:SCOPE:STRATEGY:R<index> (or :SL for the stop).
type Tag struct {
	Prefix    string
	Scope     string
	Strategy  string
	RungIndex int  // 1-based, 0 when IsStop
	IsStop    bool
}

// Format renders the tag as a client order id. Venue client ids cap at
// 36 characters on Bybit, so prefixes and scopes are kept short.
func (t Tag) Format() string {
	slot := stopLabel
	if !t.IsStop {
		slot = fmt.Sprintf("R%d", t.RungIndex)
	}
	return fmt.Sprintf("%s:%s:%s:%s", t.Prefix, t.Scope, t.Strategy, slot)
}

// ParseTag recovers a Tag from a raw client order id. ok is false for
// foreign ids: wrong shape, empty fields, or an unparseable rung slot.
func ParseTag(raw string) (Tag, bool) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) != 4 {
		return Tag{}, false
	}
	t := Tag{Prefix: parts[0], Scope: parts[1], Strategy: parts[2]}
	if t.Prefix == "" || t.Scope == "" || t.Strategy == "" {
		return Tag{}, false
	}

	slot := parts[3]
	if slot == stopLabel {
		t.IsStop = true
		return t, true
	}
	if !strings.HasPrefix(slot, "R") {
		return Tag{}, false
	}
	idx, err := strconv.Atoi(slot[1:])
	if err != nil || idx < 1 {
		return Tag{}, false
	}
	t.RungIndex = idx
	return t, true
}

// Owned reports whether raw is a client id tagged with the given prefix.
func Owned(raw, prefix string) bool {
	t, ok := ParseTag(raw)
	return ok && t.Prefix == prefix
}
