package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// AdminCodeHeader authenticates HTTP calls.
const AdminCodeHeader = "X-Admin-Code"

// AssetScheme prefixes content-addressed asset URLs.
const AssetScheme = "asset://"

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s: %w", method, path, err)
	}
	if c.code != "" {
		req.Header.Set(AdminCodeHeader, c.code)
	}
	return req, nil
}

// doJSON sends body as JSON (when non-nil) and decodes a 2xx response into out
// (when non-nil). Non-2xx responses become *Error.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeHTTPError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s %s response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func decodeHTTPError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body struct {
		Error   string         `json:"error"`
		Message string         `json:"message"`
		Current map[string]any `json:"current"`
		Lock    *DeployLock    `json:"lock"`
	}
	_ = json.Unmarshal(data, &body)

	code := body.Error
	if code == "" {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			code = CodeUnauthorized
		case http.StatusNotFound:
			code = CodeNotFound
		case http.StatusConflict:
			code = CodeInUse
		case http.StatusBadRequest:
			code = CodeInvalidPayload
		default:
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
	}
	msg := body.Message
	if msg == "" && body.Error == "" {
		msg = strings.TrimSpace(string(data))
	}
	return &Error{
		Code:    code,
		Message: msg,
		Status:  resp.StatusCode,
		Current: body.Current,
		Lock:    body.Lock,
	}
}

// GetSnapshot fetches the full world. The snapshot's assetsUrl is remembered
// for DownloadAsset.
func (c *Client) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.doJSON(ctx, http.MethodGet, "/admin/snapshot", nil, nil, &snap); err != nil {
		return nil, err
	}
	if snap.Settings == nil {
		snap.Settings = map[string]any{}
	}
	if snap.AssetsURL != "" {
		c.mu.Lock()
		c.assetsURL = snap.AssetsURL
		c.mu.Unlock()
	}
	return &snap, nil
}

// GetChanges reads a changefeed page.
func (c *Client) GetChanges(ctx context.Context, q ChangesQuery) (*Changes, error) {
	query := url.Values{}
	if q.Cursor != nil {
		query.Set("cursor", strconv.FormatInt(*q.Cursor, 10))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var changes Changes
	if err := c.doJSON(ctx, http.MethodGet, "/admin/changes", query, nil, &changes); err != nil {
		return nil, err
	}
	return &changes, nil
}

// GetChangesSince drains the changefeed from cursor up to its head.
func (c *Client) GetChangesSince(ctx context.Context, cursor int64, pageSize int) ([]Operation, int64, error) {
	if pageSize <= 0 {
		pageSize = 200
	}
	var ops []Operation
	for {
		cur := cursor
		before := cursor
		page, err := c.GetChanges(ctx, ChangesQuery{Cursor: &cur, Limit: pageSize})
		if err != nil {
			return nil, cursor, err
		}
		for _, op := range page.Operations {
			if op.Cursor <= cursor {
				continue
			}
			ops = append(ops, op)
			cursor = op.Cursor
		}
		if len(page.Operations) < pageSize || cursor >= page.HeadCursor || cursor == before {
			if page.HeadCursor > cursor {
				cursor = page.HeadCursor
			}
			return ops, cursor, nil
		}
	}
}

// GetBlueprint fetches one blueprint.
func (c *Client) GetBlueprint(ctx context.Context, id string) (Blueprint, error) {
	var body struct {
		Blueprint Blueprint `json:"blueprint"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/blueprints/"+url.PathEscape(id), nil, nil, &body); err != nil {
		return nil, err
	}
	if body.Blueprint == nil {
		return nil, &Error{Code: CodeNotFound, Message: id}
	}
	return body.Blueprint, nil
}

// DeleteBlueprint removes a blueprint. Fails with in_use while entities
// reference it.
func (c *Client) DeleteBlueprint(ctx context.Context, id, lockToken string) error {
	query := url.Values{}
	if lockToken != "" {
		query.Set("lockToken", lockToken)
	}
	return c.doJSON(ctx, http.MethodDelete, "/admin/blueprints/"+url.PathEscape(id), query, nil, nil)
}

// UploadCheck reports whether filename already exists on the server.
func (c *Client) UploadCheck(ctx context.Context, filename string) (bool, error) {
	var body struct {
		Exists bool `json:"exists"`
	}
	query := url.Values{"filename": []string{filename}}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/upload-check", query, nil, &body); err != nil {
		return false, err
	}
	return body.Exists, nil
}

// UploadAsset pushes an asset unless the server already has it. The return
// value reports whether bytes were sent.
func (c *Client) UploadAsset(ctx context.Context, up Upload) (bool, error) {
	exists, err := c.UploadCheck(ctx, up.Filename)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	// Filename is written raw so nested paths survive.
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, strings.ReplaceAll(up.Filename, `"`, "")))
	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return false, fmt.Errorf("failed to create upload part: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return false, fmt.Errorf("failed to write upload part: %w", err)
	}
	if err := w.WriteField("filename", up.Filename); err != nil {
		return false, fmt.Errorf("failed to write upload filename: %w", err)
	}
	if err := w.Close(); err != nil {
		return false, fmt.Errorf("failed to finish upload body: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/admin/upload", nil, &buf)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := c.do(req, nil); err != nil {
		return false, err
	}
	return true, nil
}

// AssetsURL returns the asset base URL learned from the last snapshot, or the
// server's /assets path.
func (c *Client) AssetsURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assetsURL != "" {
		return strings.TrimRight(c.assetsURL, "/")
	}
	return c.endpoint("/assets", nil)
}

// ResolveAssetURL maps asset://name to a fetchable URL. Other URLs are
// returned unchanged.
func (c *Client) ResolveAssetURL(assetURL string) string {
	if !strings.HasPrefix(assetURL, AssetScheme) {
		return assetURL
	}
	return c.AssetsURL() + "/" + strings.TrimPrefix(assetURL, AssetScheme)
}

// DownloadAsset fetches an asset's bytes. A missing asset yields not_found.
func (c *Client) DownloadAsset(ctx context.Context, assetURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResolveAssetURL(assetURL), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build asset request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", assetURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeHTTPError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", assetURL, err)
	}
	return data, nil
}

// GetDeployLock returns the current lock for scope, or nil when free.
func (c *Client) GetDeployLock(ctx context.Context, scope string) (*DeployLock, error) {
	query := url.Values{}
	if scope != "" {
		query.Set("scope", scope)
	}
	var body struct {
		Lock *DeployLock `json:"lock"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/admin/deploy-lock", query, nil, &body); err != nil {
		return nil, err
	}
	return body.Lock, nil
}

// AcquireDeployLock takes the lock for req.Scope. Contention fails with
// deploy_locked and the holder in Error.Lock.
func (c *Client) AcquireDeployLock(ctx context.Context, req LockRequest) (*DeployLock, error) {
	var lock DeployLock
	if err := c.doJSON(ctx, http.MethodPost, "/admin/deploy-lock", nil, req, &lock); err != nil {
		return nil, err
	}
	if lock.Scope == "" {
		lock.Scope = req.Scope
	}
	return &lock, nil
}

// RenewDeployLock extends a held lock.
func (c *Client) RenewDeployLock(ctx context.Context, req LockRequest) (*DeployLock, error) {
	var lock DeployLock
	if err := c.doJSON(ctx, http.MethodPut, "/admin/deploy-lock", nil, req, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// ReleaseDeployLock releases a held lock.
func (c *Client) ReleaseDeployLock(ctx context.Context, token, scope string) error {
	return c.doJSON(ctx, http.MethodDelete, "/admin/deploy-lock", nil, LockRequest{Token: token, Scope: scope}, nil)
}

// CreateDeploySnapshot records a rollback checkpoint for req.IDs.
func (c *Client) CreateDeploySnapshot(ctx context.Context, req DeploySnapshotRequest) (*DeploySnapshot, error) {
	var snap DeploySnapshot
	if err := c.doJSON(ctx, http.MethodPost, "/admin/deploy-snapshots", nil, req, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RollbackDeploySnapshot restores a checkpoint.
func (c *Client) RollbackDeploySnapshot(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	var result RollbackResult
	if err := c.doJSON(ctx, http.MethodPost, "/admin/deploy-snapshots/rollback", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetSpawn replaces the world spawn.
func (c *Client) SetSpawn(ctx context.Context, spawn Spawn) error {
	if err := spawn.Validate(); err != nil {
		return &Error{Code: CodeInvalidPayload, Message: err.Error()}
	}
	return c.doJSON(ctx, http.MethodPut, "/admin/spawn", nil, spawn, nil)
}
