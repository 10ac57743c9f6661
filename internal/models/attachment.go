package models

import "chatrelay/internal/constants"

// AttachmentType is the closed set of attachment categories.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = constants.AttachmentImage
	AttachmentVideo    AttachmentType = constants.AttachmentVideo
	AttachmentAudio    AttachmentType = constants.AttachmentAudio
	AttachmentPDF      AttachmentType = constants.AttachmentPDF
	AttachmentDocument AttachmentType = constants.AttachmentDocument
	AttachmentFile     AttachmentType = constants.AttachmentFile
)

// ParseAttachmentType returns the matching type, or AttachmentFile for
// anything outside the set.
func ParseAttachmentType(s string) (AttachmentType, bool) {
	switch t := AttachmentType(s); t {
	case AttachmentImage, AttachmentVideo, AttachmentAudio, AttachmentPDF, AttachmentDocument, AttachmentFile:
		return t, true
	}
	return AttachmentFile, false
}

// Attachment is the normalized attachment stored with a message.
// SizeBytes is zero when unknown.
type Attachment struct {
	URL       string         `json:"url"`
	FullURL   string         `json:"full_url"`
	Name      string         `json:"name"`
	Type      AttachmentType `json:"type"`
	SizeBytes int64          `json:"size,omitempty"`
}

// RawAttachment is attachment metadata as supplied by a caller. Size is
// left untyped because senders use numbers and numeric strings.
type RawAttachment struct {
	URL     string `json:"attachment_url"`
	FullURL string `json:"attachment_full_url"`
	Name    string `json:"attachment_name"`
	Type    string `json:"attachment_type"`
	Size    any    `json:"attachment_size"`
}

// Empty reports whether no attachment url was supplied.
func (r RawAttachment) Empty() bool {
	return r.URL == ""
}
