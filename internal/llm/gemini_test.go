package llm

import (
	"encoding/base64"
	"testing"
)

// pngSig is the 8-byte PNG signature, enough for content-type sniffing.
var pngSig = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

func TestGeminiContentsRoleMapping(t *testing.T) {
	contents, system := geminiContents([]Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})

	if system != "be terse" {
		t.Errorf("system = %q, want be terse", system)
	}
	if len(contents) != 2 {
		t.Fatalf("Expected 2 contents, got %d", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Errorf("Roles = %q/%q, want user/model", contents[0].Role, contents[1].Role)
	}
	if len(contents[0].Parts) != 1 || contents[0].Parts[0].Text != "hi" {
		t.Errorf("First content parts = %+v", contents[0].Parts)
	}
}

func TestGeminiContentsJoinsSystemTurns(t *testing.T) {
	_, system := geminiContents([]Message{
		{Role: "system", Content: "one"},
		{Role: "system", Content: "two"},
	})
	if system != "one\n\ntwo" {
		t.Errorf("system = %q", system)
	}
}

func TestGeminiContentsImageParts(t *testing.T) {
	img := base64.StdEncoding.EncodeToString(pngSig)
	contents, _ := geminiContents([]Message{
		{Role: "user", Content: "what is this", Images: []string{img}},
	})

	if len(contents) != 1 {
		t.Fatalf("Expected 1 content, got %d", len(contents))
	}
	parts := contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("Expected text + image parts, got %d", len(parts))
	}
	if parts[0].Text != "what is this" {
		t.Errorf("Text part = %q", parts[0].Text)
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/png" {
		t.Errorf("Image part = %+v, want inline image/png data", parts[1])
	}
}

func TestGeminiContentsSkipsBadImage(t *testing.T) {
	contents, _ := geminiContents([]Message{
		{Role: "user", Content: "broken", Images: []string{"%%%not-base64%%%"}},
	})
	if len(contents) != 1 || len(contents[0].Parts) != 1 {
		t.Fatalf("Expected the bad attachment to be dropped, got %+v", contents)
	}
}

func TestDecodeImageStripsDataURL(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString(pngSig)

	raw, mime, err := decodeImage("data:image/png;base64," + b64)
	if err != nil {
		t.Fatalf("decodeImage failed: %v", err)
	}
	if mime != "image/png" {
		t.Errorf("mime = %q, want image/png", mime)
	}
	if len(raw) != len(pngSig) {
		t.Errorf("decoded %d bytes, want %d", len(raw), len(pngSig))
	}

	if _, _, err := decodeImage("!!!"); err == nil {
		t.Error("Expected error for invalid base64")
	}
}
