// ABOUTME: Uploaders hand a validated record document to the target repository: a directory drop
// ABOUTME: for shared-filesystem repositories, and an HTTP uploader with retry on transient failures.
package record

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Uploader publishes a record document and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, rec *ExperimentRecord, doc []byte) (string, error)
}

// UploadError is a non-success response from the repository.
type UploadError struct {
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *UploadError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload rejected: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("upload rejected: status=%d: %s", e.StatusCode, e.Body)
}

// DirUploader copies documents into Dir as <record id>.xml.
type DirUploader struct {
	Dir string
}

// Upload writes doc atomically and returns the destination path.
func (u DirUploader) Upload(ctx context.Context, rec *ExperimentRecord, doc []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(u.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	dest := filepath.Join(u.Dir, rec.ID+".xml")
	if err := writeFileAtomic(dest, doc); err != nil {
		return "", fmt.Errorf("upload %s: %w", rec.ID, err)
	}
	return dest, nil
}

// HTTPUploader POSTs documents to a repository endpoint.
type HTTPUploader struct {
	URL    string
	Token  string
	Client *http.Client
	Retry  RetryPolicy
}

// NewHTTPUploader creates an uploader with a 60 second client timeout and
// no retries.
func NewHTTPUploader(url, token string) *HTTPUploader {
	return &HTTPUploader{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 60 * time.Second},
		Retry:  RetryPolicyNone(),
	}
}

// Upload sends doc. The record ID travels in X-Record-ID so the repository
// can drop duplicates of a retried upload. The returned location is the
// response Location header, a "url" field in a JSON body, or URL/<id>.
func (u *HTTPUploader) Upload(ctx context.Context, rec *ExperimentRecord, doc []byte) (string, error) {
	var loc string
	attempt := 0
	err := Do(ctx, u.Retry, func(ctx context.Context) error {
		attempt++
		var err error
		loc, err = u.post(ctx, rec, doc)
		if err != nil {
			log.Printf("component=record action=upload_failed record=%s attempt=%d err=%v", rec.ID, attempt, err)
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", rec.ID, err)
	}
	return loc, nil
}

func (u *HTTPUploader) post(ctx context.Context, rec *ExperimentRecord, doc []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(doc))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-Record-ID", rec.ID)
	req.Header.Set("X-Session-ID", rec.SessionID)
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UploadError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	var payload struct {
		URL string `json:"url"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.URL != "" {
		return payload.URL, nil
	}
	return strings.TrimRight(u.URL, "/") + "/" + rec.ID, nil
}
