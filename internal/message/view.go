package message

import "fmt"

// AppendViewMessages returns a new sequence where every round that has an ai message but
// no view message gains a view message mirroring the round's last ai message. The input
// is not modified.
func AppendViewMessages(msgs []Message) ([]Message, error) {
	for _, m := range msgs {
		if m.RoundIndex == 0 {
			return nil, fmt.Errorf("message index %d has round_index 0, rounds start at 1", m.Index)
		}
	}
	out := make([]Message, 0, len(msgs)+len(msgs)/2)
	for _, round := range GroupByRound(msgs) {
		var ai, view *Message
		for i := range round {
			switch round[i].Type {
			case AI:
				ai = &round[i]
			case View:
				view = &round[i]
			}
		}
		for _, m := range round {
			out = append(out, m.Clone())
		}
		if view == nil && ai != nil {
			v := ai.Clone()
			v.Type = View
			out = append(out, v)
		}
	}
	return out, nil
}
