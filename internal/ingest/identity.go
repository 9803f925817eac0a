package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/capitalize-ai/chatflow/internal/model"
)

var (
	// ErrInvalidIdentity marks remote ids that must not become conversations.
	ErrInvalidIdentity = errors.New("ingest: invalid remote identity")

	// ErrUnresolvedInstance marks events whose channel instance has no tenant.
	ErrUnresolvedInstance = errors.New("ingest: unresolved channel instance")
)

const (
	groupSuffix      = "@g.us"
	lidSuffix        = "@lid"
	newsletterSuffix = "@newsletter"
	broadcastSuffix  = "@broadcast"

	minPhoneDigits = 10
	maxPhoneDigits = 15
)

var (
	placeholderGroupTitle = regexp.MustCompile(`(?i)^grupo\s+\d+$`)
	digitsOnly            = regexp.MustCompile(`^\d+$`)
)

// Identity is the canonical remote party of a conversation.
type Identity struct {
	RemoteID string
	Phone    string
	IsGroup  bool
}

// NormalizeRemoteID derives the canonical remote id of a message's chat.
// Group ids keep the @g.us suffix, individual ids are reduced to a validated
// phone number, and alternate-channel ids are kept verbatim.
func NormalizeRemoteID(key MessageKey, channel model.ChannelKind) (Identity, error) {
	jid := strings.TrimSpace(key.RemoteJID)
	if jid == "" {
		return Identity{}, fmt.Errorf("%w: empty remote id", ErrInvalidIdentity)
	}

	if channel == model.ChannelAlternate {
		return Identity{RemoteID: jid}, nil
	}

	switch {
	case strings.HasSuffix(jid, broadcastSuffix), strings.HasSuffix(jid, newsletterSuffix):
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidIdentity, jid)
	case strings.HasSuffix(jid, groupSuffix):
		return Identity{RemoteID: jid, IsGroup: true}, nil
	case !strings.Contains(jid, "@") && strings.Contains(jid, "-"):
		// legacy group ids arrive without a suffix
		return Identity{RemoteID: jid + groupSuffix, IsGroup: true}, nil
	case strings.HasSuffix(jid, lidSuffix):
		return resolveLID(key)
	}

	phone, ok := NormalizePhone(jid)
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidIdentity, jid)
	}
	return Identity{RemoteID: phone, Phone: phone}, nil
}

// resolveLID maps a linked-device id to the phone id carried alongside it.
func resolveLID(key MessageKey) (Identity, error) {
	for _, alt := range []string{key.RemoteJIDAlt, key.SenderPn} {
		if alt == "" || strings.HasSuffix(alt, lidSuffix) {
			continue
		}
		if phone, ok := NormalizePhone(alt); ok {
			return Identity{RemoteID: phone, Phone: phone}, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: unresolved linked id %s", ErrInvalidIdentity, key.RemoteJID)
}

// NormalizePhone strips the jid domain and device suffix and validates the
// remaining digits as a plausible phone number.
func NormalizePhone(jid string) (string, bool) {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	user = strings.TrimPrefix(strings.TrimSpace(user), "+")
	if !digitsOnly.MatchString(user) {
		return "", false
	}
	if len(user) < minPhoneDigits || len(user) > maxPhoneDigits {
		return "", false
	}
	return user, true
}

// SenderID returns the individual participant behind a message: the group
// participant for group chats, the remote party otherwise.
func SenderID(key MessageKey, id Identity) string {
	if !id.IsGroup {
		return id.RemoteID
	}
	participant := key.Participant
	if strings.HasSuffix(participant, lidSuffix) && key.SenderPn != "" {
		participant = key.SenderPn
	}
	if phone, ok := NormalizePhone(participant); ok {
		return phone
	}
	return participant
}

// UsableGroupTitle reports whether a payload-supplied group title may be stored.
func UsableGroupTitle(title string) bool {
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		return false
	case strings.Contains(title, "@"):
		return false
	case digitsOnly.MatchString(strings.NewReplacer("-", "", " ", "").Replace(title)):
		return false
	case placeholderGroupTitle.MatchString(title):
		return false
	}
	return true
}
