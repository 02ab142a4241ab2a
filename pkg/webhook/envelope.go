package webhook

import (
	"github.com/Louguiman/tekra-store-sub000/pkg/contracts"
)

// Envelope is the chat-platform webhook payload.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one delivery batch inside an envelope.
type Entry struct {
	ID      string   `json:"id,omitempty"`
	Changes []Change `json:"changes"`
}

// Change wraps a message-bearing value.
type Change struct {
	Field string `json:"field,omitempty"`
	Value Value  `json:"value"`
}

// Value carries the routing metadata and the messages themselves.
type Value struct {
	MessagingProduct string    `json:"messaging_product,omitempty"`
	Metadata         Metadata  `json:"metadata"`
	Messages         []Message `json:"messages"`
}

// Metadata identifies the receiving product line.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number,omitempty"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Message is one inbound supplier message.
type Message struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Text      *TextBody  `json:"text,omitempty"`
	Image     *MediaBody `json:"image,omitempty"`
	Document  *MediaBody `json:"document,omitempty"`
	Audio     *MediaBody `json:"audio,omitempty"`
}

// TextBody is the text payload of a message.
type TextBody struct {
	Body string `json:"body"`
}

// MediaBody references a platform-hosted blob.
type MediaBody struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"filename,omitempty"`
}

// firstMessage returns the first message of the first change of the first
// entry, or nil.
func firstMessage(env *Envelope) (*Message, *Value) {
	for i := range env.Entry {
		for j := range env.Entry[i].Changes {
			v := &env.Entry[i].Changes[j].Value
			if len(v.Messages) > 0 {
				return &v.Messages[0], v
			}
		}
	}
	return nil, nil
}

// contentOf maps the message type onto the submission content model,
// returning the kind, the textual content, and the media id (empty for
// text). Unsupported types return ok=false.
func contentOf(msg *Message) (kind contracts.ContentKind, content, mediaID string, ok bool) {
	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return "", "", "", false
		}
		return contracts.ContentText, msg.Text.Body, "", true
	case "image":
		if msg.Image == nil {
			return "", "", "", false
		}
		return contracts.ContentImage, msg.Image.Caption, msg.Image.ID, true
	case "document":
		if msg.Document == nil {
			return "", "", "", false
		}
		return contracts.ContentPDF, msg.Document.Caption, msg.Document.ID, true
	case "audio":
		if msg.Audio == nil {
			return "", "", "", false
		}
		return contracts.ContentVoice, "", msg.Audio.ID, true
	}
	return "", "", "", false
}
