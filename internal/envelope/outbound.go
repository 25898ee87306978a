package envelope

// Joined confirms a processed join to the sender.
type Joined struct {
	T    string `json:"t"`
	Room string `json:"room"`
	Nick string `json:"nick"`
	Role Role   `json:"role"`
}

// Presence lists the display names currently in a room.
type Presence struct {
	T     string   `json:"t"`
	Room  string   `json:"room"`
	Nicks []string `json:"nicks"`
}

func NewJoined(room, nick string, role Role) Joined {
	return Joined{T: TagJoined, Room: room, Nick: nick, Role: role}
}

func NewPresence(room string, nicks []string) Presence {
	if nicks == nil {
		nicks = []string{}
	}
	return Presence{T: TagPresence, Room: room, Nicks: nicks}
}
