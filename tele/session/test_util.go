package session

import "time"

// NewTestSession returns completed session record as Machine would produce it.
// httpStatus=0 means no response bytes received.
func NewTestSession(stage Stage, httpStatus int) *Session {
	return &Session{
		Stage:      stage,
		HTTPStatus: httpStatus,
		Received:   httpStatus != 0,
		Started:    time.Now(),
		complete:   true,
	}
}
