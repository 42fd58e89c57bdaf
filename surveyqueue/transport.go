// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package surveyqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/lambertbf98/GeoTech-sub000/fieldsync"
)

// TokenFunc supplies a bearer token for server calls
type TokenFunc func(ctx context.Context) (string, error)

// Transport performs the device's HTTP calls against the reconciliation
// server. Every call carries a per-request timeout; on timeout the in-flight
// mutation is counted as a failed attempt, which is why all server
// operations are idempotent.
type Transport struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewTransport creates a transport with the given request timeout
// (DefaultConfig uses 30s)
func NewTransport(baseURL string, tok TokenFunc, timeout time.Duration, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{},
		logger:  logger,
		timeout: timeout,
	}
}

// SendBatch posts a mutation batch and returns the per-item results
func (t *Transport) SendBatch(ctx context.Context, req *fieldsync.BatchRequest) (*fieldsync.BatchResponse, error) {
	var resp fieldsync.BatchResponse
	if err := t.doJSON(ctx, http.MethodPost, "/sync/batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchProject pulls a project with its geometry aggregate
func (t *Transport) FetchProject(ctx context.Context, serverID string) (*fieldsync.ProjectRecord, error) {
	var resp fieldsync.ProjectResponse
	if err := t.doJSON(ctx, http.MethodGet, "/projects/"+serverID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Project, nil
}

// FetchProjectPhotos pulls the remote photo records for a project
func (t *Transport) FetchProjectPhotos(ctx context.Context, projectServerID string) ([]fieldsync.PhotoRecord, error) {
	var resp fieldsync.ProjectPhotosResponse
	if err := t.doJSON(ctx, http.MethodGet, "/photos/project/"+projectServerID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Photos, nil
}

// PushContent replaces the server-side geometry aggregate. The device's
// own updatedAt travels with the body so the server records when the
// content actually changed, not when the push arrived.
func (t *Transport) PushContent(ctx context.Context, projectServerID string, content *fieldsync.ProjectContent, updatedAt time.Time) error {
	push := fieldsync.ContentPush{ProjectContent: *content, UpdatedAt: updatedAt}
	return t.doJSON(ctx, http.MethodPut, "/projects/"+projectServerID+"/content", &push, nil)
}

// UploadPhoto sends image bytes plus metadata to the dedicated binary
// upload endpoint and returns the created record with its server identifier
func (t *Transport) UploadPhoto(ctx context.Context, projectServerID string, lat, lng float64, notes, description string, image []byte) (*fieldsync.PhotoRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"project_id":  projectServerID,
		"lat":         strconv.FormatFloat(lat, 'f', -1, 64),
		"lng":         strconv.FormatFloat(lng, 'f', -1, 64),
		"notes":       notes,
		"description": description,
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("failed to write form field: %w", err)
		}
	}
	part, err := mw.CreateFormFile("image", "photo.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/photos/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if err := t.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var uploadResp fieldsync.PhotoUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return uploadResp.Photo, nil
}

func (t *Transport) doJSON(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if err := t.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (t *Transport) authorize(ctx context.Context, req *http.Request) error {
	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
