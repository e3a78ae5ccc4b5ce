package domain

// Peer describes one participant of a video mesh room as other participants see it.
type Peer struct {
	ConnectionID ConnID `json:"connection_id"`
	UserID       UserID `json:"user_id"`
	UserName     string `json:"user_name"`
}
