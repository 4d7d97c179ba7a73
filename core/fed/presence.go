package fed

// Presence values carried by PresenceState.
const (
	PresenceOnline      = "online"
	PresenceOffline     = "offline"
	PresenceUnavailable = "unavailable"
)

// PresenceState is the most recent status snapshot for a user. The latest
// snapshot per user supersedes all previous ones.
type PresenceState struct {
	UserID       string `json:"user_id"`
	State        string `json:"presence"`
	StatusMsg    string `json:"status_msg,omitempty"`
	LastActiveTS int64  `json:"last_active_ts"`
}
