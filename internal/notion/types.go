package notion

import (
	"encoding/json"
	"time"
)

// richTextLimit is Notion's maximum length of one text object.
const richTextLimit = 2000

// Properties is a page property map keyed by property name.
type Properties map[string]any

// RichText is one rich text object.
type RichText struct {
	Type string `json:"type"`
	Text struct {
		Content string `json:"content"`
		Link    *struct {
			URL string `json:"url"`
		} `json:"link,omitempty"`
	} `json:"text"`
	PlainText string `json:"plain_text,omitempty"`
}

func textObj(content string) RichText {
	var rt RichText
	rt.Type = "text"
	rt.Text.Content = content
	return rt
}

// splitRichText chunks content into rich text objects within the per-object
// length limit, splitting on rune boundaries.
func splitRichText(content string) []RichText {
	if content == "" {
		return []RichText{}
	}
	var out []RichText
	runes := []rune(content)
	for len(runes) > 0 {
		n := len(runes)
		if n > richTextLimit {
			n = richTextLimit
		}
		out = append(out, textObj(string(runes[:n])))
		runes = runes[n:]
	}
	return out
}

// Title builds a title property value.
func Title(s string) any {
	return map[string]any{"title": splitRichText(s)}
}

// Text builds a rich_text property value.
func Text(s string) any {
	return map[string]any{"rich_text": splitRichText(s)}
}

// Date builds a date property value rendered in the given location.
func Date(t time.Time, loc *time.Location) any {
	if t.IsZero() {
		return map[string]any{"date": nil}
	}
	if loc == nil {
		loc = time.UTC
	}
	return map[string]any{
		"date": map[string]any{"start": t.In(loc).Format(time.RFC3339)},
	}
}

// Email builds an email property value.
func Email(addr string) any {
	if addr == "" {
		return map[string]any{"email": nil}
	}
	return map[string]any{"email": addr}
}

// DateRange builds a date property value with start and end. A zero end
// renders a point-in-time date; allDay drops the time component.
func DateRange(start, end time.Time, loc *time.Location, allDay bool) any {
	if start.IsZero() {
		return map[string]any{"date": nil}
	}
	if loc == nil {
		loc = time.UTC
	}
	layout := time.RFC3339
	if allDay {
		layout = "2006-01-02"
	}
	d := map[string]any{"start": start.In(loc).Format(layout)}
	if !end.IsZero() {
		d["end"] = end.In(loc).Format(layout)
	}
	return map[string]any{"date": d}
}

// Checkbox builds a checkbox property value.
func Checkbox(v bool) any {
	return map[string]any{"checkbox": v}
}

// Select builds a select property value. Empty clears the selection.
func Select(option string) any {
	if option == "" {
		return map[string]any{"select": nil}
	}
	return map[string]any{"select": map[string]any{"name": option}}
}

// Relation builds a relation property value from page ids.
func Relation(pageIDs ...string) any {
	rels := make([]map[string]string, 0, len(pageIDs))
	for _, id := range pageIDs {
		if id != "" {
			rels = append(rels, map[string]string{"id": id})
		}
	}
	return map[string]any{"relation": rels}
}

// FileUploadProperty builds a files property referencing an uploaded file.
func FileUploadProperty(name, uploadID string) any {
	return map[string]any{
		"files": []map[string]any{{
			"type":        "file_upload",
			"name":        name,
			"file_upload": map[string]string{"id": uploadID},
		}},
	}
}

// Block is a generic block object. Content holds the type-specific payload.
type Block map[string]any

// Paragraph builds paragraph blocks, one per length-limited text chunk.
func Paragraph(content string) []Block {
	chunks := splitRichText(content)
	if len(chunks) == 0 {
		return nil
	}
	blocks := make([]Block, 0, len(chunks))
	for _, chunk := range chunks {
		blocks = append(blocks, Block{
			"object":    "block",
			"type":      "paragraph",
			"paragraph": map[string]any{"rich_text": []RichText{chunk}},
		})
	}
	return blocks
}

// Heading builds a heading block. Level is clamped to 1..3.
func Heading(level int, content string) Block {
	if level < 1 {
		level = 1
	}
	if level > 3 {
		level = 3
	}
	typ := [...]string{"heading_1", "heading_2", "heading_3"}[level-1]
	return Block{
		"object": "block",
		"type":   typ,
		typ:      map[string]any{"rich_text": splitRichText(content)},
	}
}

// BulletedListItem builds a bulleted list item block.
func BulletedListItem(content string) Block {
	return Block{
		"object": "block",
		"type":   "bulleted_list_item",
		"bulleted_list_item": map[string]any{
			"rich_text": splitRichText(content),
		},
	}
}

// Divider builds a divider block.
func Divider() Block {
	return Block{"object": "block", "type": "divider", "divider": map[string]any{}}
}

// Quote builds a quote block.
func Quote(content string) Block {
	return Block{
		"object": "block",
		"type":   "quote",
		"quote":  map[string]any{"rich_text": splitRichText(content)},
	}
}

// CodeBlock builds a code block.
func CodeBlock(content, language string) Block {
	if language == "" {
		language = "plain text"
	}
	return Block{
		"object": "block",
		"type":   "code",
		"code": map[string]any{
			"rich_text": splitRichText(content),
			"language":  language,
		},
	}
}

// ImageUpload builds an image block from an uploaded file.
func ImageUpload(uploadID string) Block {
	return Block{
		"object": "block",
		"type":   "image",
		"image": map[string]any{
			"type":        "file_upload",
			"file_upload": map[string]string{"id": uploadID},
		},
	}
}

// FileBlock builds a file block from an uploaded file.
func FileBlock(name, uploadID string) Block {
	return Block{
		"object": "block",
		"type":   "file",
		"file": map[string]any{
			"type":        "file_upload",
			"name":        name,
			"file_upload": map[string]string{"id": uploadID},
		},
	}
}

// Page is a page object as returned by the API, with the raw property map
// retained for typed extraction.
type Page struct {
	ID         string                     `json:"id"`
	URL        string                     `json:"url"`
	Archived   bool                       `json:"archived"`
	Properties map[string]json.RawMessage `json:"properties"`
}

// PlainText extracts the concatenated plain text of a title or rich_text
// property. Missing or foreign-typed properties yield empty.
func (p *Page) PlainText(property string) string {
	raw, ok := p.Properties[property]
	if !ok {
		return ""
	}
	var v struct {
		Title    []RichText `json:"title"`
		RichText []RichText `json:"rich_text"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	list := v.Title
	if len(list) == 0 {
		list = v.RichText
	}
	var out string
	for _, rt := range list {
		if rt.PlainText != "" {
			out += rt.PlainText
		} else {
			out += rt.Text.Content
		}
	}
	return out
}

// CheckboxValue extracts a checkbox property. Missing yields false.
func (p *Page) CheckboxValue(property string) bool {
	raw, ok := p.Properties[property]
	if !ok {
		return false
	}
	var v struct {
		Checkbox bool `json:"checkbox"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v.Checkbox
}

// SelectValue extracts the selected option name. Missing yields empty.
func (p *Page) SelectValue(property string) string {
	raw, ok := p.Properties[property]
	if !ok {
		return ""
	}
	var v struct {
		Select *struct {
			Name string `json:"name"`
		} `json:"select"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.Select == nil {
		return ""
	}
	return v.Select.Name
}

// DateValue extracts the start of a date property. Missing or malformed
// yields the zero time.
func (p *Page) DateValue(property string) time.Time {
	raw, ok := p.Properties[property]
	if !ok {
		return time.Time{}
	}
	var v struct {
		Date *struct {
			Start string `json:"start"`
		} `json:"date"`
	}
	if err := json.Unmarshal(raw, &v); err != nil || v.Date == nil {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v.Date.Start); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// RelationIDs extracts the related page ids of a relation property.
func (p *Page) RelationIDs(property string) []string {
	raw, ok := p.Properties[property]
	if !ok {
		return nil
	}
	var v struct {
		Relation []struct {
			ID string `json:"id"`
		} `json:"relation"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	ids := make([]string, 0, len(v.Relation))
	for _, r := range v.Relation {
		ids = append(ids, r.ID)
	}
	return ids
}
