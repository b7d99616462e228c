package chat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Attachment is an inline image payload: raw bytes plus declared media type.
// It travels on the wire as a data URI, the form the history endpoint and
// the live channel both use.
type Attachment struct {
	MediaType string
	Data      []byte
}

// Encode builds an attachment from in-memory bytes. An empty mediaType is
// sniffed from the content.
func Encode(data []byte, mediaType string) *Attachment {
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	return &Attachment{MediaType: mediaType, Data: data}
}

// EncodeFile reads a local file into an attachment. A read failure is
// reported to the caller, never swallowed into an empty attachment.
func EncodeFile(path string) (*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("encode attachment: %w", err)
	}
	return Encode(data, ""), nil
}

// DataURI renders the attachment in displayable data-URI form.
func (a *Attachment) DataURI() string {
	if a == nil {
		return ""
	}
	return "data:" + a.MediaType + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// ParseDataURI decodes a base64 data URI back into an attachment.
func ParseDataURI(s string) (*Attachment, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, fmt.Errorf("parse attachment: not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("parse attachment: missing payload")
	}
	mediaType, enc := meta, ""
	if i := strings.LastIndexByte(meta, ';'); i >= 0 {
		mediaType, enc = meta[:i], meta[i+1:]
	}
	if enc != "base64" {
		return nil, fmt.Errorf("parse attachment: unsupported encoding %q", enc)
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("parse attachment: %w", err)
	}
	return &Attachment{MediaType: mediaType, Data: data}, nil
}

// MarshalJSON emits the data-URI string form.
func (a *Attachment) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.DataURI())
}

// UnmarshalJSON accepts a data-URI string.
func (a *Attachment) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDataURI(s)
	if err != nil {
		return err
	}
	*a = *parsed
	return nil
}
