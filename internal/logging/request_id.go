package logging

import "github.com/google/uuid"

// GenerateRequestID returns a unique correlation id; the client listener
// attaches one to every log line for a client connection's lifetime.
func GenerateRequestID() string {
	return uuid.NewString()
}
