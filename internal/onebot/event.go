package onebot

import "strings"

// Event is one frame pushed by the OneBot implementation. The same struct
// covers notices, messages, and meta events; the post type tells them apart.
type Event struct {
	PostType      string `json:"post_type"`
	NoticeType    string `json:"notice_type"`
	SubType       string `json:"sub_type"`
	MessageType   string `json:"message_type"`
	MetaEventType string `json:"meta_event_type"`
	Time          int64  `json:"time"`
	SelfID        int64  `json:"self_id"`
	UserID        int64  `json:"user_id"`
	GroupID       int64  `json:"group_id"`
	TargetID      int64  `json:"target_id"`
	RawMessage    string `json:"raw_message"`
	Sender        Sender `json:"sender"`
}

type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
}

// IsPokeNotice reports whether this is a group poke notification.
func (e Event) IsPokeNotice() bool {
	return e.PostType == "notice" && e.NoticeType == "notify" && e.SubType == "poke"
}

// IsGroupMessage reports whether this is an ordinary group chat message.
func (e Event) IsGroupMessage() bool {
	return e.PostType == "message" && e.MessageType == "group"
}

// IsMeta reports whether this is a lifecycle/heartbeat frame from the
// implementation itself.
func (e Event) IsMeta() bool {
	return e.PostType == "meta_event"
}

// SenderName prefers the in-group card over the account nickname.
func (e Event) SenderName() string {
	if card := strings.TrimSpace(e.Sender.Card); card != "" {
		return card
	}
	return strings.TrimSpace(e.Sender.Nickname)
}
