package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
)

// metadata is one entry of list_folder, get_metadata and the upload
// endpoints.
type metadata struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	ID             string    `json:"id,omitempty"`
	PathDisplay    string    `json:"path_display,omitempty"`
	PathLower      string    `json:"path_lower,omitempty"`
	Size           int64     `json:"size,omitempty"`
	ClientModified time.Time `json:"client_modified,omitempty"`
	ServerModified time.Time `json:"server_modified,omitempty"`
}

type listFolderResult struct {
	Entries []metadata `json:"entries"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"has_more"`
}

type spaceUsage struct {
	Used       int64 `json:"used"`
	Allocation struct {
		Tag       string `json:".tag"`
		Allocated int64  `json:"allocated"`
	} `json:"allocation"`
}

type uploadCursor struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
}

type commitInfo struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Mute       bool   `json:"mute"`
	Autorename bool   `json:"autorename"`
}

// apiError is the JSON body of a failed call.
type apiError struct {
	Summary string `json:"error_summary"`
}

// client issues API calls. RPC endpoints take and return JSON bodies;
// content endpoints pass their argument in the Dropbox-API-Arg header.
type client struct {
	http       *http.Client
	apiURL     string
	contentURL string
	token      func(ctx context.Context) (string, error)
	logger     *zap.Logger
}

// remotePath maps a host path to the API form, where the root is "".
func remotePath(p string) string {
	if p == "/" {
		return ""
	}
	return p
}

func (c *client) newRequest(ctx context.Context, base, endpoint string, body io.Reader) (*http.Request, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/2/"+endpoint, body)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidCall, err, "build request").WithComponent(Tag)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// send runs req and turns transport failures and non-2xx replies into
// errors. On success the caller owns the response body.
func (c *client) send(ctx context.Context, req *http.Request, endpoint string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.FromContext(ctx).WithCause(err).WithComponent(Tag).WithOperation(endpoint)
		}
		return nil, errors.As(errors.FromNetwork(err)).WithComponent(Tag).WithOperation(endpoint)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, responseError(resp).WithOperation(endpoint)
}

func responseError(resp *http.Response) *errors.Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	e := errors.FromHTTP(resp.StatusCode, ae.Summary).WithComponent(Tag)
	if ae.Summary == "" && len(body) > 0 && len(body) < 512 {
		e = e.WithContext("body", strings.TrimSpace(string(body)))
	}
	return e
}

// rpc posts arg as JSON and decodes the reply into out when it is non-nil.
func (c *client) rpc(ctx context.Context, endpoint string, arg, out interface{}) error {
	var body io.Reader = http.NoBody
	if arg != nil {
		data, err := json.Marshal(arg)
		if err != nil {
			return errors.Wrap(errors.KindInvalidCall, err, "encode request").WithComponent(Tag)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, c.apiURL, endpoint, body)
	if err != nil {
		return err
	}
	if arg != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.send(ctx, req, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return errors.FromContext(ctx).WithCause(err).WithComponent(Tag)
		}
		return errors.Wrap(errors.KindProtocolError, err, "malformed response").WithComponent(Tag).WithOperation(endpoint)
	}
	return nil
}

// content calls a content endpoint. The caller closes the response body.
func (c *client) content(ctx context.Context, endpoint string, arg interface{}, body io.Reader, header http.Header) (*http.Response, error) {
	data, err := json.Marshal(arg)
	if err != nil {
		return nil, errors.Wrap(errors.KindInvalidCall, err, "encode argument").WithComponent(Tag)
	}
	if body == nil {
		body = http.NoBody
	}
	req, err := c.newRequest(ctx, c.contentURL, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Dropbox-API-Arg", string(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range header {
		req.Header[k] = v
	}
	return c.send(ctx, req, endpoint)
}

// contentJSON calls a content endpoint and decodes its JSON reply.
func (c *client) contentJSON(ctx context.Context, endpoint string, arg interface{}, body io.Reader, out interface{}) error {
	resp, err := c.content(ctx, endpoint, arg, body, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.KindProtocolError, err, "malformed response").WithComponent(Tag).WithOperation(endpoint)
	}
	return nil
}

// listFolder returns every entry of dir, following the cursor.
func (c *client) listFolder(ctx context.Context, dir string) ([]metadata, error) {
	var page listFolderResult
	if err := c.rpc(ctx, "files/list_folder", map[string]interface{}{
		"path":      remotePath(dir),
		"recursive": false,
	}, &page); err != nil {
		return nil, err
	}
	entries := page.Entries
	for pages := 1; page.HasMore; pages++ {
		if err := errors.Check(ctx); err != nil {
			return nil, err
		}
		cursor := page.Cursor
		page = listFolderResult{}
		if err := c.rpc(ctx, "files/list_folder/continue", map[string]string{"cursor": cursor}, &page); err != nil {
			return nil, err
		}
		entries = append(entries, page.Entries...)
		c.logger.Debug("Fetched listing page", zap.String("path", dir), zap.Int("page", pages+1))
	}
	return entries, nil
}

func (c *client) getMetadata(ctx context.Context, p string) (metadata, error) {
	var md metadata
	err := c.rpc(ctx, "files/get_metadata", map[string]string{"path": remotePath(p)}, &md)
	return md, err
}

// rangeHeader asks for the content from offset on.
func rangeHeader(offset int64) http.Header {
	if offset <= 0 {
		return nil
	}
	return http.Header{"Range": {fmt.Sprintf("bytes=%d-", offset)}}
}
