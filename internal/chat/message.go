package chat

// Attachment describes a file uploaded through the external upload service
// and referenced by a message. It is immutable once attached.
type Attachment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Type         string `json:"type"`
	UploadFileID string `json:"upload_file_id"`
}

// Message is a single chat turn. User messages are fixed at creation;
// assistant messages may grow their Text while IsStreaming is true and end
// either by finalization or by a manual stop. Error is orthogonal to the
// streaming lifecycle: it may be set or cleared at any point, an empty
// string meaning no error.
type Message struct {
	ID                 string       `json:"id"`
	Text               string       `json:"text"`
	IsUser             bool         `json:"is_user"`
	IsStreaming        bool         `json:"is_streaming,omitempty"`
	WasManuallyStopped bool         `json:"was_manually_stopped,omitempty"`
	Error              string       `json:"error,omitempty"`
	Attachments        []Attachment `json:"attachments,omitempty"`
}
