package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDataURI indicates an image part that is not a base64 data URI.
var ErrInvalidDataURI = errors.New("invalid data uri")

const dataURISeparator = ";base64,"

// PartType discriminates message content parts.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartVideo PartType = "video"
)

// ContentPart is one typed piece of a multi-part message.
type ContentPart struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	// URL holds a data URI for images and a remote URL for videos.
	URL string `json:"url,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image content part from a data URI.
func ImagePart(dataURI string) ContentPart {
	return ContentPart{Type: PartImage, URL: dataURI}
}

// VideoPart builds a video content part.
func VideoPart(url string) ContentPart {
	return ContentPart{Type: PartVideo, URL: url}
}

// ParseDataURI splits "data:<mime>;base64,<data>" into its mime type and payload.
func ParseDataURI(uri string) (mimeType, data string, err error) {
	head, payload, ok := strings.Cut(uri, dataURISeparator)
	if !ok {
		return "", "", fmt.Errorf("%w: missing %q separator", ErrInvalidDataURI, dataURISeparator)
	}
	mimeType = strings.TrimPrefix(head, "data:")
	if mimeType == "" || payload == "" {
		return "", "", fmt.Errorf("%w: empty mime type or payload", ErrInvalidDataURI)
	}
	return mimeType, payload, nil
}

// DataURI is the inverse of ParseDataURI.
func DataURI(mimeType, data string) string {
	return "data:" + mimeType + dataURISeparator + data
}

// MessageContent holds either a single text blob or a list of parts.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// IsMultipart reports whether the content is a list of parts.
func (c MessageContent) IsMultipart() bool {
	return c.Parts != nil
}

// PlainText joins all text parts, or returns the text blob.
func (c MessageContent) PlainText() string {
	if !c.IsMultipart() {
		return c.Text
	}
	var b strings.Builder
	for _, part := range c.Parts {
		if part.Type != PartText {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// MarshalJSON renders text content as a JSON string and parts as an array.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsMultipart() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a string or an array of parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = MessageContent{}
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = MessageContent{Text: text}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or a list of parts: %w", err)
	}
	for i, part := range parts {
		switch part.Type {
		case PartText, PartImage, PartVideo:
		default:
			return fmt.Errorf("content[%d]: unsupported part type %q", i, part.Type)
		}
	}
	if parts == nil {
		parts = []ContentPart{}
	}
	*c = MessageContent{Parts: parts}
	return nil
}
