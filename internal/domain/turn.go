package domain

import "time"

// TurnRecord is a rendered turn as written to the transcript archive.
type TurnRecord struct {
	SessionID string
	Number    int
	Prompt    string
	Model     string
	Pair      ResponsePair
	CreatedAt time.Time
}
