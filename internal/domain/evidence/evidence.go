package evidence

import "time"

// a Record is one stored artifact (typically a PNG screenshot) captured
// during an automation run. Payload is raw bytes; base64 only exists at the
// HTTP boundary.

type Record struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"jobId"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mimeType"`
	Payload   []byte    `json:"-"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
