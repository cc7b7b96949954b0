package model

// IndexOf returns the position of the message with the given id, or -1.
func IndexOf(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// AppendUnique returns msgs with m appended unless a message with the same id
// is already present. The input slice is never modified.
func AppendUnique(msgs []Message, m Message) ([]Message, bool) {
	if IndexOf(msgs, m.ID) >= 0 {
		return msgs, false
	}
	out := make([]Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m), true
}

// Without returns a copy of msgs with the message carrying id removed.
func Without(msgs []Message, id string) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// Replace swaps the provisional entry for the confirmed one. If the confirmed
// id is already present (an inbound echo won the race) the provisional entry
// is simply dropped.
func Replace(msgs []Message, provisionalID string, confirmed Message) []Message {
	out := Without(msgs, provisionalID)
	out, _ = AppendUnique(out, confirmed)
	return out
}

// UnreadFrom returns ids of unread messages sent by sender.
func UnreadFrom(msgs []Message, sender string) []string {
	var ids []string
	for _, m := range msgs {
		if !m.Read && m.SenderID == sender && !IsProvisional(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// MarkRead returns a copy of msgs with every listed id flagged read.
func MarkRead(msgs []Message, ids []string) []Message {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if _, ok := set[out[i].ID]; ok {
			out[i].Read = true
		}
	}
	return out
}
