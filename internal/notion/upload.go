package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

// MaxUploadBytes is the remote's default per-file limit.
const MaxUploadBytes = 20 * 1024 * 1024

// ErrFileTooLarge is returned for files over the upload limit. Callers skip
// the file with a warning rather than failing the message.
type ErrFileTooLarge struct {
	Filename string
	Size     int64
	Limit    int64
}

func (e *ErrFileTooLarge) Error() string {
	return fmt.Sprintf("file %s too large for upload: %d bytes (max %d)", e.Filename, e.Size, e.Limit)
}

// acceptedExtensions is the remote's known-accepted set: audio, document,
// image, and video families. Anything else is rejected at upload creation.
var acceptedExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".json": true, ".csv": true,
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".svg": true, ".tif": true,
	".tiff": true, ".heic": true, ".ico": true,
	".mp3": true, ".wav": true, ".ogg": true, ".m4a": true, ".aac": true,
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true,
	".zip": true,
}

// declaredFilename applies the extension-disguise rule: files whose
// extension the remote rejects (.eml above all) are declared with a .pdf
// suffix at upload creation. The real filename still travels with the bytes,
// so pages display it unchanged.
func declaredFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" && acceptedExtensions[ext] {
		return filename
	}
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	if stem == "" {
		stem = "file"
	}
	return stem + ".pdf"
}

type fileUploadObject struct {
	ID        string `json:"id"`
	UploadURL string `json:"upload_url"`
}

// UploadFile pushes one file through the three-step protocol and returns
// the file upload id for referencing in blocks or properties.
func (c *Client) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	if int64(len(content)) > c.maxUpload {
		return "", &ErrFileTooLarge{Filename: filename, Size: int64(len(content)), Limit: c.maxUpload}
	}

	// Step 1: create the upload descriptor.
	data, err := c.post(ctx, "/file_uploads", map[string]string{
		"filename": declaredFilename(filename),
	})
	if err != nil {
		return "", fmt.Errorf("create file upload for %s: %w", filename, err)
	}
	var upload fileUploadObject
	if err := json.Unmarshal(data, &upload); err != nil {
		return "", fmt.Errorf("parse file upload object: %w", err)
	}
	if upload.UploadURL == "" || upload.ID == "" {
		return "", fmt.Errorf("file upload object incomplete for %s", filename)
	}

	// Step 2: send the bytes to the returned URL.
	if err := c.sendFileContent(ctx, upload.UploadURL, filename, content); err != nil {
		return "", fmt.Errorf("send file content for %s: %w", filename, err)
	}

	c.logger.Debug("uploaded file", "filename", filename, "bytes", len(content), "upload_id", upload.ID)
	return upload.ID, nil
}

// sendFileContent posts the bytes as multipart form data. The upload URL is
// pre-authorized but still expects the standard API headers.
func (c *Client) sendFileContent(ctx context.Context, uploadURL, filename string, content []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	h["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create multipart field: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write multipart content: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return fmt.Errorf("create send request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("send failed (%d): %s", resp.StatusCode, string(body))
	}
	return nil
}
