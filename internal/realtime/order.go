package realtime

import (
	"sort"
	"strings"

	"github.com/roomchat/chat-app/internal/model"
)

// DisplayMember is a roster row annotated for display.
type DisplayMember struct {
	model.Member
	Online bool `json:"online"`
	Self   bool `json:"self"`
}

// OrderMembers sorts members for display: self first, then online members,
// then everyone else, each group alphabetically by name. The result is
// derived from its inputs on every call and must not be cached.
func OrderMembers(members []model.Member, online []model.OnlineUser, self string) []DisplayMember {
	onlineNames := make(map[string]struct{}, len(online))
	for _, u := range online {
		onlineNames[u.UserName] = struct{}{}
	}

	out := make([]DisplayMember, len(members))
	for i, m := range members {
		_, on := onlineNames[m.Name]
		out[i] = DisplayMember{Member: m, Online: on, Self: m.Name == self}
	}

	rank := func(d DisplayMember) int {
		switch {
		case d.Self:
			return 0
		case d.Online:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank(out[i]), rank(out[j])
		if ri != rj {
			return ri < rj
		}
		li, lj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if li != lj {
			return li < lj
		}
		return out[i].Name < out[j].Name
	})
	return out
}
