package ingest

import "fmt"

// MediaProcessingError reports a failed stage of the media pipeline. The
// carrying message is persisted regardless; the error is partial, never
// fatal for the message.
type MediaProcessingError struct {
	MessageID string
	Stage     string
	Err       error
}

func (e *MediaProcessingError) Error() string {
	return fmt.Sprintf("media processing failed at %s for %s: %v", e.Stage, e.MessageID, e.Err)
}

func (e *MediaProcessingError) Unwrap() error {
	return e.Err
}
