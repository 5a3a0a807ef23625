// Package relay routes streamer-to-streamer messages issued from platform chat
// (and the chat-app message command), gated by per-user cooldowns and paired
// with ticketed responses.
package relay

import (
	"strconv"
	"strings"
)

type routeKind uint8

const (
	routeCommand routeKind = iota + 1
	routeTarget
)

// RouteKey discriminates cooldowns. Command routes and target-account routes
// live in separate namespaces, so a command named "12" never collides with
// account 12.
type RouteKey struct {
	kind routeKind
	name string
}

// CommandRoute gates a command such as "online".
func CommandRoute(name string) RouteKey {
	return RouteKey{kind: routeCommand, name: strings.ToLower(name)}
}

// TargetRoute gates messages addressed to one account.
func TargetRoute(accountID int64) RouteKey {
	return RouteKey{kind: routeTarget, name: strconv.FormatInt(accountID, 10)}
}

func (k RouteKey) IsZero() bool { return k.kind == 0 }

// String is the persisted form: "cmd:<name>" or "target:<id>".
func (k RouteKey) String() string {
	switch k.kind {
	case routeCommand:
		return "cmd:" + k.name
	case routeTarget:
		return "target:" + k.name
	}
	return ""
}

// CooldownKey identifies one cooldown entry.
type CooldownKey struct {
	UserID  string
	Channel string
	Route   RouteKey
}
