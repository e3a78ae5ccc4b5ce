package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	directPrefix = "user_"
	groupPrefix  = "group_"

	MaxVideoRoomIDLen = 64
)

var ErrInvalidRoomID = errors.New("invalid room id")

type (
	GroupID int64
	RoomID  string
	// ConnID identifies one live real-time connection.
	ConnID string
)

func (id GroupID) String() string { return strconv.FormatInt(int64(id), 10) }

type RoomKind int

const (
	RoomUnknown RoomKind = iota
	RoomDirect
	RoomGroup
	RoomVideo
)

func (k RoomKind) String() string {
	switch k {
	case RoomDirect:
		return "direct"
	case RoomGroup:
		return "group"
	case RoomVideo:
		return "video"
	default:
		return "unknown"
	}
}

type Room struct {
	ID   RoomID
	Kind RoomKind
}

// DirectRoom is the room holding every connection of one user.
func DirectRoom(id UserID) RoomID { return RoomID(directPrefix + id.String()) }

// GroupRoom is the room holding connections of a group's members.
func GroupRoom(id GroupID) RoomID { return RoomID(groupPrefix + id.String()) }

// ParseStaticRoom recognizes direct and group room keys.
func ParseStaticRoom(id RoomID) (RoomKind, int64, bool) {
	s := string(id)
	var kind RoomKind
	switch {
	case strings.HasPrefix(s, directPrefix):
		kind, s = RoomDirect, s[len(directPrefix):]
	case strings.HasPrefix(s, groupPrefix):
		kind, s = RoomGroup, s[len(groupPrefix):]
	default:
		return RoomUnknown, 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return RoomUnknown, 0, false
	}
	return kind, n, true
}

// ValidateVideoRoomID rejects empty, padded and oversized ids. Video rooms live
// in their own table, so an id equal to a static key (e.g. "group_3") is fine
// and is how a call is tied to a conversation.
func ValidateVideoRoomID(id RoomID) error {
	s := strings.TrimSpace(string(id))
	if s == "" || len(s) > MaxVideoRoomIDLen || s != string(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomID, string(id))
	}
	return nil
}
