package model

import (
	"encoding/json"
	"fmt"
)

type TextPayload struct {
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	Signature string  `json:"signature"`
	Icon      *string `json:"icon"`
	Link      *string `json:"link"`
}

type ImagePayload struct {
	// Base64, optionally with a data:image/...;base64, prefix.
	ImageData string  `json:"image_data"`
	Algorithm string  `json:"algorithm"`
	Link      *string `json:"link"`
}

type TextElement struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	FontSize   float64 `json:"font_size"`
	Rotation   float64 `json:"rotation"`
	FontWeight string  `json:"font_weight"`
	TextAlign  string  `json:"text_align"`
	Color      string  `json:"color"`
	FontFamily string  `json:"font_family"`
}

type TextToImagePayload struct {
	BackgroundColor string        `json:"background_color"`
	BackgroundImage *string       `json:"background_image"`
	Texts           []TextElement `json:"texts"`
	Link            *string       `json:"link"`
}

// PayloadConfig is a closed sum over the three payload shapes.
// Type is the discriminant and exactly the matching variant pointer is set.
//
// On the wire it is internally tagged: {"type":"text","title":...}.
type PayloadConfig struct {
	Type        TaskType
	Text        *TextPayload
	Image       *ImagePayload
	TextToImage *TextToImagePayload
}

func NewText(p TextPayload) PayloadConfig {
	return PayloadConfig{Type: TaskText, Text: &p}
}

func NewImage(p ImagePayload) PayloadConfig {
	return PayloadConfig{Type: TaskImage, Image: &p}
}

func NewTextToImage(p TextToImagePayload) PayloadConfig {
	return PayloadConfig{Type: TaskTextToImage, TextToImage: &p}
}

// Validate reports whether the discriminant and the populated variant agree.
func (p PayloadConfig) Validate() error {
	var ok bool
	switch p.Type {
	case TaskText:
		ok = p.Text != nil && p.Image == nil && p.TextToImage == nil
	case TaskImage:
		ok = p.Image != nil && p.Text == nil && p.TextToImage == nil
	case TaskTextToImage:
		ok = p.TextToImage != nil && p.Text == nil && p.Image == nil
	default:
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
	if !ok {
		return fmt.Errorf("payload variant does not match type %q", p.Type)
	}
	return nil
}

func (p PayloadConfig) Clone() PayloadConfig {
	cp := PayloadConfig{Type: p.Type}
	if p.Text != nil {
		v := *p.Text
		v.Icon = cloneStr(v.Icon)
		v.Link = cloneStr(v.Link)
		cp.Text = &v
	}
	if p.Image != nil {
		v := *p.Image
		v.Link = cloneStr(v.Link)
		cp.Image = &v
	}
	if p.TextToImage != nil {
		v := *p.TextToImage
		v.BackgroundImage = cloneStr(v.BackgroundImage)
		v.Link = cloneStr(v.Link)
		v.Texts = append([]TextElement(nil), v.Texts...)
		cp.TextToImage = &v
	}
	return cp
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (p PayloadConfig) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case "":
		return []byte("null"), nil
	case TaskText:
		return json.Marshal(struct {
			Type TaskType `json:"type"`
			*TextPayload
		}{p.Type, p.Text})
	case TaskImage:
		return json.Marshal(struct {
			Type TaskType `json:"type"`
			*ImagePayload
		}{p.Type, p.Image})
	case TaskTextToImage:
		return json.Marshal(struct {
			Type TaskType `json:"type"`
			*TextToImagePayload
		}{p.Type, p.TextToImage})
	default:
		return nil, fmt.Errorf("unknown payload type %q", p.Type)
	}
}

func (p *PayloadConfig) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*p = PayloadConfig{}
		return nil
	}
	var probe struct {
		Type TaskType `json:"type"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	out := PayloadConfig{Type: probe.Type}
	var err error
	switch probe.Type {
	case TaskText:
		out.Text = &TextPayload{}
		err = json.Unmarshal(b, out.Text)
	case TaskImage:
		out.Image = &ImagePayload{}
		err = json.Unmarshal(b, out.Image)
	case TaskTextToImage:
		out.TextToImage = &TextToImagePayload{}
		err = json.Unmarshal(b, out.TextToImage)
	default:
		return fmt.Errorf("unknown payload type %q", probe.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", probe.Type, err)
	}
	*p = out
	return nil
}
