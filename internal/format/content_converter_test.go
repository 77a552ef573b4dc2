package format

import (
	"encoding/base64"
	"testing"
)

func pngBase64(padToBytes int) string {
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if padToBytes > len(png) {
		png = append(png, make([]byte, padToBytes-len(png))...)
	}
	return base64.StdEncoding.EncodeToString(png)
}

// Testable property #8: image MIME detected from magic bytes overrides a
// mismatched declared media_type.
func TestDetectImageMIME_MagicBytesOverrideDeclared(t *testing.T) {
	data := pngBase64(16)
	got := DetectImageMIME(data, "image/jpeg")
	if got != "image/png" {
		t.Errorf("expected magic-byte sniffing to override the declared type, got %q", got)
	}
}

func TestDetectImageMIME_FallsBackToDeclaredWhenUnrecognized(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte("not an image at all"))
	got := DetectImageMIME(data, "image/custom")
	if got != "image/custom" {
		t.Errorf("expected unrecognized bytes to fall back to declared media type, got %q", got)
	}
}

func TestDetectImageMIME_JPEGAndGIFAndWebP(t *testing.T) {
	jpeg := base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0, 0, 0, 0, 0})
	if got := DetectImageMIME(jpeg, "image/png"); got != "image/jpeg" {
		t.Errorf("expected JPEG magic bytes to be detected, got %q", got)
	}

	gif := base64.StdEncoding.EncodeToString([]byte("GIF89a"))
	if got := DetectImageMIME(gif, "image/png"); got != "image/gif" {
		t.Errorf("expected GIF magic bytes to be detected, got %q", got)
	}

	webp := base64.StdEncoding.EncodeToString([]byte("RIFF\x00\x00\x00\x00WEBP"))
	if got := DetectImageMIME(webp, "image/png"); got != "image/webp" {
		t.Errorf("expected WebP magic bytes to be detected, got %q", got)
	}
}

// Boundary: an image exactly at the inline size cap is preserved; one byte
// over the cap is replaced with the omission placeholder.
func TestConvertContentToParts_OversizedImageBoundary(t *testing.T) {
	atCap := base64.StdEncoding.EncodeToString(make([]byte, maxInlineImageBytes))
	overCap := base64.StdEncoding.EncodeToString(make([]byte, maxInlineImageBytes+1))

	atCapBlocks := []ContentBlock{{
		Type:   "image",
		Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: atCap},
	}}
	parts := ConvertContentToParts(atCapBlocks, false, true)
	if len(parts) != 1 || parts[0].InlineData == nil {
		t.Fatalf("expected an image exactly at the cap to be forwarded inline, got %+v", parts)
	}

	overCapBlocks := []ContentBlock{{
		Type:   "image",
		Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: overCap},
	}}
	parts = ConvertContentToParts(overCapBlocks, false, true)
	if len(parts) != 1 || parts[0].Text != "[Image omitted: exceeds size limit]" {
		t.Fatalf("expected an image one group over the cap to be replaced with the omission placeholder, got %+v", parts)
	}
}

func TestConvertContentToParts_URLImageDefaultsMediaType(t *testing.T) {
	blocks := []ContentBlock{{
		Type:   "image",
		Source: &ImageSource{Type: "url", URL: "https://example.com/x.jpg"},
	}}
	parts := ConvertContentToParts(blocks, false, true)
	if len(parts) != 1 || parts[0].FileData == nil {
		t.Fatalf("expected a URL image to produce a FileData part, got %+v", parts)
	}
	if parts[0].FileData.MimeType != "image/jpeg" {
		t.Errorf("expected default media type image/jpeg, got %q", parts[0].FileData.MimeType)
	}
}

func TestConvertContentToParts_SkipsEmptyTextBlocks(t *testing.T) {
	blocks := []ContentBlock{{Type: "text", Text: ""}, {Type: "text", Text: "hello"}}
	parts := ConvertContentToParts(blocks, false, true)
	if len(parts) != 1 || parts[0].Text != "hello" {
		t.Fatalf("expected only the non-empty text block to survive, got %+v", parts)
	}
}

func TestConvertRole(t *testing.T) {
	if ConvertRole("assistant") != "model" {
		t.Error("expected assistant to map to model")
	}
	if ConvertRole("user") != "user" {
		t.Error("expected user to pass through unchanged")
	}
}
