package render

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
)

// alphabet is PlantUML's URL-safe base64 variant.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

var encoding = base64.NewEncoding(alphabet).WithPadding(base64.NoPadding)

// Encode compresses source with raw DEFLATE and encodes the result with
// PlantUML's alphabet. Like the PlantUML reference encoder, a trailing
// partial group is padded with zero bits out to four characters.
func Encode(source string) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("creating deflate writer: %w", err)
	}
	if _, err := io.WriteString(w, source); err != nil {
		return "", fmt.Errorf("compressing diagram source: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("compressing diagram source: %w", err)
	}

	payload := encoding.EncodeToString(buf.Bytes())
	if rem := len(payload) % 4; rem != 0 {
		payload += strings.Repeat("0", 4-rem)
	}
	return payload, nil
}

// Decode reverses Encode. It accepts payloads produced by any PlantUML
// encoder that uses raw DEFLATE.
func Decode(payload string) (string, error) {
	if len(payload)%4 != 0 {
		return "", fmt.Errorf("decoding payload: length %d is not a multiple of 4", len(payload))
	}
	compressed, err := encoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	source, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("inflating payload: %w", err)
	}
	return string(source), nil
}

// Compose prepends the style preamble to the document text. When the text
// opens with an explicit @start line, the preamble goes right after it so the
// diagram stays well formed.
func Compose(preamble, text string) string {
	if preamble == "" {
		return text
	}
	if !strings.HasSuffix(preamble, "\n") {
		preamble += "\n"
	}
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if strings.HasPrefix(trimmed, "@start") {
		lead := text[:len(text)-len(trimmed)]
		first, rest, _ := strings.Cut(trimmed, "\n")
		return lead + first + "\n" + preamble + rest
	}
	return preamble + text
}
