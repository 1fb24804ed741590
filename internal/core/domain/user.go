package domain

import "time"

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Meeting is the persistent room record owned by the external store.
type Meeting struct {
	ID           RoomID    `json:"id"`
	OwnerID      UserID    `json:"ownerId"`
	Participants []UserID  `json:"participants,omitempty"`
	Open         bool      `json:"open"`
	CreatedAt    time.Time `json:"createdAt"`
	LastJoinAt   time.Time `json:"lastJoinAt,omitempty"`
	LastLeaveAt  time.Time `json:"lastLeaveAt,omitempty"`
}

// Permits reports whether the given user may join the meeting.
func (m *Meeting) Permits(userID UserID) bool {
	if m.Open || m.OwnerID == userID {
		return true
	}
	for _, p := range m.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// AddParticipants appends users not already on the list.
func (m *Meeting) AddParticipants(users ...UserID) {
	for _, u := range users {
		if u == "" || u == m.OwnerID {
			continue
		}
		found := false
		for _, p := range m.Participants {
			if p == u {
				found = true
				break
			}
		}
		if !found {
			m.Participants = append(m.Participants, u)
		}
	}
}
