package notion

import (
	"context"
	"encoding/json"
	"fmt"
)

// maxChildrenPerRequest is Notion's limit on blocks per create or append.
const maxChildrenPerRequest = 100

// CreatePage creates a page in the database. Children beyond the per-request
// limit are appended in follow-up batches; the page exists once the first
// request succeeds, so callers must treat append failures as partial success.
func (c *Client) CreatePage(ctx context.Context, databaseID string, props Properties, children []Block) (*Page, error) {
	first := children
	var rest []Block
	if len(children) > maxChildrenPerRequest {
		first = children[:maxChildrenPerRequest]
		rest = children[maxChildrenPerRequest:]
	}

	body := map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": props,
	}
	if len(first) > 0 {
		body["children"] = first
	}

	data, err := c.post(ctx, "/pages", body)
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	if len(rest) > 0 {
		if err := c.AppendBlockChildren(ctx, page.ID, rest); err != nil {
			return &page, fmt.Errorf("append remaining blocks: %w", err)
		}
	}
	return &page, nil
}

// AppendBlockChildren appends blocks to a page in batches.
func (c *Client) AppendBlockChildren(ctx context.Context, pageID string, children []Block) error {
	for start := 0; start < len(children); start += maxChildrenPerRequest {
		end := start + maxChildrenPerRequest
		if end > len(children) {
			end = len(children)
		}
		body := map[string]any{"children": children[start:end]}
		if _, err := c.patch(ctx, "/blocks/"+pageID+"/children", body); err != nil {
			return fmt.Errorf("append blocks [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// UpdatePageProperties patches the given properties on a page.
func (c *Client) UpdatePageProperties(ctx context.Context, pageID string, props Properties) error {
	body := map[string]any{"properties": props}
	if _, err := c.patch(ctx, "/pages/"+pageID, body); err != nil {
		return fmt.Errorf("update page %s: %w", pageID, err)
	}
	return nil
}

// GetPage retrieves a page by id.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	data, err := c.get(ctx, "/pages/"+pageID)
	if err != nil {
		return nil, err
	}
	var page Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return &page, nil
}

// QueryResult is one page of database query results.
type QueryResult struct {
	Results    []*Page `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor string  `json:"next_cursor"`
}

// QueryDatabase runs a filtered query. A nil filter returns everything.
// pageSize of 0 uses the server default; cursor continues a prior query.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, filter any, pageSize int, cursor string) (*QueryResult, error) {
	body := map[string]any{}
	if filter != nil {
		body["filter"] = filter
	}
	if pageSize > 0 {
		body["page_size"] = pageSize
	}
	if cursor != "" {
		body["start_cursor"] = cursor
	}

	data, err := c.post(ctx, "/databases/"+databaseID+"/query", body)
	if err != nil {
		return nil, fmt.Errorf("query database: %w", err)
	}

	var result QueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse query result: %w", err)
	}
	return &result, nil
}

// QueryDatabaseAll drains a query across cursors.
func (c *Client) QueryDatabaseAll(ctx context.Context, databaseID string, filter any) ([]*Page, error) {
	var pages []*Page
	cursor := ""
	for {
		result, err := c.QueryDatabase(ctx, databaseID, filter, 0, cursor)
		if err != nil {
			return nil, err
		}
		pages = append(pages, result.Results...)
		if !result.HasMore || result.NextCursor == "" {
			return pages, nil
		}
		cursor = result.NextCursor
	}
}

// TextEquals builds a rich_text equality filter.
func TextEquals(property, value string) any {
	return map[string]any{
		"property":  property,
		"rich_text": map[string]any{"equals": value},
	}
}

// CheckboxEquals builds a checkbox equality filter.
func CheckboxEquals(property string, value bool) any {
	return map[string]any{
		"property": property,
		"checkbox": map[string]any{"equals": value},
	}
}

// SelectEquals builds a select equality filter.
func SelectEquals(property, value string) any {
	return map[string]any{
		"property": property,
		"select":   map[string]any{"equals": value},
	}
}

// And combines filters conjunctively.
func And(filters ...any) any {
	return map[string]any{"and": filters}
}

// FindPageByText returns the first page whose rich_text property equals
// value, or nil when absent. A transport error is returned as an error so
// callers never mistake an outage for absence.
func (c *Client) FindPageByText(ctx context.Context, databaseID, property, value string) (*Page, error) {
	if value == "" {
		return nil, nil
	}
	result, err := c.QueryDatabase(ctx, databaseID, TextEquals(property, value), 1, "")
	if err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, nil
	}
	return result.Results[0], nil
}
