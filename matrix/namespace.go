// Package matrix connects the bridge to a chat homeserver as an application
// service.
package matrix

import (
	"strings"

	"pstnbridge/telephony"
)

const telPrefix = "tel-"

// Namespace names the users the bridge owns on the homeserver.
type Namespace struct {
	Prefix string
	Server string
}

// BotID is the bridge's own user.
func (n Namespace) BotID() string {
	return "@" + n.Prefix + ":" + n.Server
}

// PuppetID is the user that stands in for a phone number.
func (n Namespace) PuppetID(number string) string {
	return "@" + n.Localpart(number) + ":" + n.Server
}

// Localpart is the localpart of a number's puppet.
func (n Namespace) Localpart(number string) string {
	return n.Prefix + telPrefix + telephony.Digits(number)
}

// Owns reports whether userID is in the bridge's namespace.
func (n Namespace) Owns(userID string) bool {
	local, server, ok := splitUserID(userID)
	return ok && server == n.Server && strings.HasPrefix(local, n.Prefix)
}

// NumberFor returns the E.164 number of a puppet user.
func (n Namespace) NumberFor(userID string) (string, bool) {
	local, server, ok := splitUserID(userID)
	if !ok || server != n.Server {
		return "", false
	}
	rest, ok := strings.CutPrefix(local, n.Prefix+telPrefix)
	if !ok || rest == "" {
		return "", false
	}
	number, err := telephony.NormalizeNumber(rest)
	if err != nil {
		return "", false
	}
	return number, true
}

func splitUserID(userID string) (local, server string, ok bool) {
	if !strings.HasPrefix(userID, "@") {
		return "", "", false
	}
	return strings.Cut(userID[1:], ":")
}
