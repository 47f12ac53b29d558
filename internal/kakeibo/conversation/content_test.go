package conversation_test

import (
	"encoding/json"
	"testing"

	"github.com/bdobrica/Kakeibo/internal/kakeibo/conversation"
)

func TestContent_JSONShapes(t *testing.T) {
	tests := []struct {
		name    string
		content conversation.Content
		want    string
	}{
		{"text", conversation.Text("hi"), `"hi"`},
		{"zero", conversation.Content{}, `""`},
		{"empty blocks", conversation.Blocks(), `[]`},
		{
			"blocks",
			conversation.Blocks(conversation.TextBlock("look"), conversation.ImageBlock("https://x/y.png", "")),
			`[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.content)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(b) != tt.want {
				t.Fatalf("got %s, want %s", b, tt.want)
			}
			var back conversation.Content
			if err := json.Unmarshal(b, &back); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if back.IsBlocks() != tt.content.IsBlocks() || back.PlainText() != tt.content.PlainText() {
				t.Fatalf("round trip changed content: %#v", back)
			}
		})
	}
}

func TestContent_Accessors(t *testing.T) {
	c := conversation.Text("plain")
	if s, ok := c.AsText(); !ok || s != "plain" {
		t.Fatalf("AsText: %q %v", s, ok)
	}
	if _, ok := c.AsBlocks(); ok {
		t.Fatal("text content reported blocks")
	}

	b := conversation.Blocks(conversation.TextBlock("one"), conversation.ImageBlock("u", "high"), conversation.TextBlock("two"))
	if _, ok := b.AsText(); ok {
		t.Fatal("block content reported text")
	}
	if got := b.PlainText(); got != "one\n[image]\ntwo" {
		t.Fatalf("PlainText: %q", got)
	}
	blocks, _ := b.AsBlocks()
	blocks[0].Text = "changed"
	if b.PlainText() != "one\n[image]\ntwo" {
		t.Fatal("AsBlocks exposed internal slice")
	}
}

func TestContent_RejectsOtherJSON(t *testing.T) {
	var c conversation.Content
	if err := json.Unmarshal([]byte(`42`), &c); err == nil {
		t.Fatal("expected error for numeric content")
	}
	if err := json.Unmarshal([]byte(`null`), &c); err != nil || c.IsBlocks() || c.PlainText() != "" {
		t.Fatalf("null should decode to empty text: %v", err)
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []conversation.Role{conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if conversation.Role("tool").Valid() {
		t.Error("unexpected valid role")
	}
}
