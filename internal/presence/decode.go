package presence

import "github.com/roomchat/chat-app/internal/model"

// Decode flattens a snapshot into one OnlineUser per identity. Only the first
// record of each identity is considered; when that record lacks a user id or
// a user name the identity is skipped. An identity listed more than once
// yields at most one user, from its first entry. Output order follows snap.
func Decode(snap Snapshot) []model.OnlineUser {
	users := make([]model.OnlineUser, 0, len(snap))
	seen := make(map[string]struct{}, len(snap))
	for _, entry := range snap {
		if _, dup := seen[entry.Key]; dup {
			continue
		}
		seen[entry.Key] = struct{}{}
		if len(entry.Records) == 0 {
			continue
		}
		rec := entry.Records[0]
		if rec.UserID == "" || rec.UserName == "" {
			continue
		}
		users = append(users, model.OnlineUser{
			UserID:   rec.UserID,
			UserName: rec.UserName,
			JoinedAt: rec.JoinedAt,
		})
	}
	return users
}
