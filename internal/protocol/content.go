package protocol

import (
	"encoding/json"
	"fmt"
)

// ContentPart is one element of a tool result. The set of implementations is closed:
// TextPart and ResourcePart.
type ContentPart interface {
	contentType() string
}

// TextPart carries human-readable text.
type TextPart struct {
	Text string
}

func (TextPart) contentType() string { return "text" }

// ResourcePart embeds a document in the result.
type ResourcePart struct {
	URI      string
	MIMEType string
	Text     string
}

func (ResourcePart) contentType() string { return "resource" }

// Text builds a text part.
func Text(s string) TextPart { return TextPart{Text: s} }

// Textf builds a formatted text part.
func Textf(format string, args ...any) TextPart { return TextPart{Text: fmt.Sprintf(format, args...)} }

// Resource builds an embedded document part.
func Resource(uri, mimeType, text string) ResourcePart {
	return ResourcePart{URI: uri, MIMEType: mimeType, Text: text}
}

// JSONResource embeds v as an indented JSON document.
func JSONResource(uri string, v any) (ResourcePart, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ResourcePart{}, fmt.Errorf("encode %s: %w", uri, err)
	}
	return Resource(uri, "application/json", string(data)), nil
}

// ToolResult is the envelope returned by tools/call. IsError marks a failure that happened inside
// the tool; the call itself was still well formed.
type ToolResult struct {
	Content []ContentPart
	IsError bool
}

// Result builds a successful envelope.
func Result(parts ...ContentPart) ToolResult {
	return ToolResult{Content: parts}
}

// ErrorResult builds a failed envelope holding a single text part.
func ErrorResult(message string) ToolResult {
	return ToolResult{Content: []ContentPart{Text(message)}, IsError: true}
}

// FirstText returns the text of the first text part, or "".
func (r ToolResult) FirstText() string {
	for _, p := range r.Content {
		if t, ok := p.(TextPart); ok {
			return t.Text
		}
	}
	return ""
}

type wireResource struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	Resource *wireResource `json:"resource,omitempty"`
}

type wireResult struct {
	Content []wirePart `json:"content"`
	IsError bool       `json:"isError,omitempty"`
}

func (r ToolResult) MarshalJSON() ([]byte, error) {
	out := wireResult{Content: make([]wirePart, 0, len(r.Content)), IsError: r.IsError}
	for _, p := range r.Content {
		switch v := p.(type) {
		case TextPart:
			out.Content = append(out.Content, wirePart{Type: v.contentType(), Text: v.Text})
		case ResourcePart:
			out.Content = append(out.Content, wirePart{
				Type:     v.contentType(),
				Resource: &wireResource{URI: v.URI, MIMEType: v.MIMEType, Text: v.Text},
			})
		default:
			return nil, fmt.Errorf("unknown content part %T", p)
		}
	}
	return json.Marshal(out)
}

func (r *ToolResult) UnmarshalJSON(data []byte) error {
	var in wireResult
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.IsError = in.IsError
	r.Content = make([]ContentPart, 0, len(in.Content))
	for i, p := range in.Content {
		switch p.Type {
		case "text":
			r.Content = append(r.Content, Text(p.Text))
		case "resource":
			if p.Resource == nil {
				return fmt.Errorf("content[%d]: resource part without resource", i)
			}
			r.Content = append(r.Content, Resource(p.Resource.URI, p.Resource.MIMEType, p.Resource.Text))
		default:
			return fmt.Errorf("content[%d]: unsupported type %q", i, p.Type)
		}
	}
	return nil
}
