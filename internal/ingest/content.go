package ingest

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/chatflow/internal/model"
)

// MessageContent is the provider message body. At most one variant is set.
type MessageContent struct {
	Conversation string `json:"conversation,omitempty"`

	ExtendedText *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage,omitempty"`

	Image    *MediaContent `json:"imageMessage,omitempty"`
	Video    *MediaContent `json:"videoMessage,omitempty"`
	Audio    *MediaContent `json:"audioMessage,omitempty"`
	Document *MediaContent `json:"documentMessage,omitempty"`
	Sticker  *MediaContent `json:"stickerMessage,omitempty"`

	Location *struct {
		Latitude  float64 `json:"degreesLatitude"`
		Longitude float64 `json:"degreesLongitude"`
		Name      string  `json:"name,omitempty"`
		Address   string  `json:"address,omitempty"`
	} `json:"locationMessage,omitempty"`

	Contact *struct {
		DisplayName string `json:"displayName"`
		VCard       string `json:"vcard,omitempty"`
	} `json:"contactMessage,omitempty"`

	ButtonsResponse *struct {
		SelectedButtonID    string `json:"selectedButtonId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"buttonsResponseMessage,omitempty"`

	TemplateButtonReply *struct {
		SelectedID          string `json:"selectedId"`
		SelectedDisplayText string `json:"selectedDisplayText"`
	} `json:"templateButtonReplyMessage,omitempty"`

	ListResponse *struct {
		Title             string `json:"title"`
		SingleSelectReply struct {
			SelectedRowID string `json:"selectedRowId"`
		} `json:"singleSelectReply"`
	} `json:"listResponseMessage,omitempty"`

	Reaction *ReactionContent `json:"reactionMessage,omitempty"`

	// MediaURL is set when the provider already stored the attachment.
	MediaURL string `json:"mediaUrl,omitempty"`
}

// MediaContent is an attachment reference with an optional caption.
type MediaContent struct {
	URL      string `json:"url,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// ReactionContent is an emoji reaction to an earlier message. Empty Text removes it.
type ReactionContent struct {
	Key  MessageKey `json:"key"`
	Text string     `json:"text"`
}

// Content is the extracted, storable body of a message.
type Content struct {
	Text     string
	Type     model.MessageType
	MediaURL string
}

// Extract maps the provider message body to text, a declared type and an
// optional media reference.
func Extract(data *MessageData) Content {
	m := data.Message
	if m == nil {
		return Content{Type: model.MessageUnknown}
	}

	c := extract(m)
	if c.Type.HasMedia() && m.MediaURL != "" {
		c.MediaURL = m.MediaURL
	}
	c.Text = strings.TrimSpace(c.Text)
	return c
}

func extract(m *MessageContent) Content {
	switch {
	case m.Conversation != "":
		return Content{Text: m.Conversation, Type: model.MessageText}
	case m.ExtendedText != nil:
		return Content{Text: m.ExtendedText.Text, Type: model.MessageText}
	case m.Image != nil:
		return media(model.MessageImage, m.Image.Caption)
	case m.Video != nil:
		return media(model.MessageVideo, m.Video.Caption)
	case m.Document != nil:
		text := m.Document.Caption
		if text == "" {
			text = m.Document.FileName
		}
		return media(model.MessageDocument, text)
	case m.Audio != nil:
		return media(model.MessageAudio, "")
	case m.Sticker != nil:
		return media(model.MessageSticker, "")
	case m.Location != nil:
		text := m.Location.Name
		if text == "" {
			text = fmt.Sprintf("%f,%f", m.Location.Latitude, m.Location.Longitude)
		}
		return Content{Text: text, Type: model.MessageLocation}
	case m.Contact != nil:
		return Content{Text: m.Contact.DisplayName, Type: model.MessageContact}
	case m.ButtonsResponse != nil:
		text := m.ButtonsResponse.SelectedDisplayText
		if text == "" {
			text = m.ButtonsResponse.SelectedButtonID
		}
		return Content{Text: text, Type: model.MessageButtonReply}
	case m.TemplateButtonReply != nil:
		text := m.TemplateButtonReply.SelectedDisplayText
		if text == "" {
			text = m.TemplateButtonReply.SelectedID
		}
		return Content{Text: text, Type: model.MessageButtonReply}
	case m.ListResponse != nil:
		text := m.ListResponse.Title
		if text == "" {
			text = m.ListResponse.SingleSelectReply.SelectedRowID
		}
		return Content{Text: text, Type: model.MessageListReply}
	case m.Reaction != nil:
		return Content{Text: m.Reaction.Text, Type: model.MessageReaction}
	}
	return Content{Type: model.MessageUnknown}
}

// media drops the attachment url: provider CDN urls are encrypted and only
// MessageContent.MediaURL or a later backfill yields a usable reference.
func media(typ model.MessageType, text string) Content {
	return Content{Text: text, Type: typ}
}

// Preview is the conversation list snippet for a message.
func Preview(c Content) string {
	if c.Text != "" {
		return c.Text
	}
	switch c.Type {
	case model.MessageImage:
		return "📷 Image"
	case model.MessageVideo:
		return "🎥 Video"
	case model.MessageAudio:
		return "🎤 Audio"
	case model.MessageDocument:
		return "📄 Document"
	case model.MessageSticker:
		return "Sticker"
	}
	return ""
}
