package onebot

import (
	"encoding/json"
	"testing"
)

func TestEventClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		isPoke  bool
		isGroup bool
		isMeta  bool
	}{
		{
			name:   "group poke notice",
			raw:    `{"post_type":"notice","notice_type":"notify","sub_type":"poke","group_id":42,"user_id":7,"target_id":10001,"self_id":10001}`,
			isPoke: true,
		},
		{
			name: "non-poke notify",
			raw:  `{"post_type":"notice","notice_type":"notify","sub_type":"lucky_king","group_id":42}`,
		},
		{
			name:    "group message",
			raw:     `{"post_type":"message","message_type":"group","group_id":42,"user_id":7,"raw_message":"hello"}`,
			isGroup: true,
		},
		{
			name:   "heartbeat meta",
			raw:    `{"post_type":"meta_event","meta_event_type":"heartbeat"}`,
			isMeta: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var ev Event
			if err := json.Unmarshal([]byte(tt.raw), &ev); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got := ev.IsPokeNotice(); got != tt.isPoke {
				t.Fatalf("IsPokeNotice() = %t, want %t", got, tt.isPoke)
			}
			if got := ev.IsGroupMessage(); got != tt.isGroup {
				t.Fatalf("IsGroupMessage() = %t, want %t", got, tt.isGroup)
			}
			if got := ev.IsMeta(); got != tt.isMeta {
				t.Fatalf("IsMeta() = %t, want %t", got, tt.isMeta)
			}
		})
	}
}

func TestSenderNamePrefersCard(t *testing.T) {
	t.Parallel()

	ev := Event{Sender: Sender{Nickname: "nick", Card: "card"}}
	if got := ev.SenderName(); got != "card" {
		t.Fatalf("SenderName() = %q, want card", got)
	}
	ev.Sender.Card = "  "
	if got := ev.SenderName(); got != "nick" {
		t.Fatalf("SenderName() = %q, want nick", got)
	}
}
