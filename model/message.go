package model

import "time"

// RawMessageRef identifies one raw message object in the upstream store.
// It is created by the mail-receiving path and read-only to the pipeline.
type RawMessageRef struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Size       int64     `json:"size"`
}

// Attachment describes an attachment by metadata only; the content is
// never carried downstream.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// ParsedEmail is the structured representation of a raw message's
// business-relevant fields.
type ParsedEmail struct {
	Ref         RawMessageRef
	From        string
	To          []string
	Subject     string
	ReceivedAt  time.Time
	Body        string
	Attachments []Attachment
}
