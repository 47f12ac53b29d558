package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType discriminates the members of a block sequence.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image_url"
)

// ImageRef points at an image attached to a message.
type ImageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Block is one element of a multi-part message body: either a text block or
// an image reference. Blocks are opaque to this package; their text is never
// rewritten.
type Block struct {
	Type     BlockType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageRef `json:"image_url,omitempty"`
}

// TextBlock returns a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ImageBlock returns an image reference block.
func ImageBlock(url, detail string) Block {
	return Block{Type: BlockImage, ImageURL: &ImageRef{URL: url, Detail: detail}}
}

// Content is a message body: plain text or an ordered sequence of blocks.
// The zero value is empty text.
//
// On the wire Content follows the OpenAI chat format: a JSON string for text,
// a JSON array of typed parts for blocks.
type Content struct {
	text   string
	blocks []Block
	multi  bool
}

// Text returns text content.
func Text(s string) Content {
	return Content{text: s}
}

// Blocks returns block content. The slice is copied.
func Blocks(blocks ...Block) Content {
	var cp []Block
	if len(blocks) > 0 {
		cp = make([]Block, len(blocks))
		copy(cp, blocks)
	}
	return Content{blocks: cp, multi: true}
}

// IsBlocks reports whether c holds blocks rather than text.
func (c Content) IsBlocks() bool { return c.multi }

// AsText returns the text and true when c is text content.
func (c Content) AsText() (string, bool) {
	if c.multi {
		return "", false
	}
	return c.text, true
}

// AsBlocks returns a copy of the blocks and true when c is block content.
func (c Content) AsBlocks() ([]Block, bool) {
	if !c.multi {
		return nil, false
	}
	out := make([]Block, len(c.blocks))
	copy(out, c.blocks)
	return out, true
}

// PlainText flattens c into a string. Text blocks are joined by newlines and
// images are rendered as "[image]".
func (c Content) PlainText() string {
	if !c.multi {
		return c.text
	}
	parts := make([]string, 0, len(c.blocks))
	for _, b := range c.blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, b.Text)
		case BlockImage:
			parts = append(parts, "[image]")
		}
	}
	return strings.Join(parts, "\n")
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if !c.multi {
		return json.Marshal(c.text)
	}
	if c.blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.blocks)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*c = Text(s)
		return nil
	case '[':
		var blocks []Block
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return err
		}
		*c = Blocks(blocks...)
		return nil
	default:
		return fmt.Errorf("conversation: content must be a string or an array, got %q", trimmed[:1])
	}
}
