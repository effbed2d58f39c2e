package web

import (
	"github.com/jnesss/xpc-recorder/database"
)

// EventDetail is one event with the rule matches it produced.
type EventDetail struct {
	*database.EventRecord
	Matches []database.Match `json:"matches"`
}

// StatusRequest updates the triage status of a match.
type StatusRequest struct {
	Status string `json:"status"`
}

// UploadRequest adds a rule file.
type UploadRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}
