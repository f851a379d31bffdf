package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

// HTTPStorage is the default Storage implementation: it talks to a 3NWeb
// object-store server over plain HTTP. Unlike graph.Client, it performs no
// retry of its own — Downloader and UpSyncer already wrap every call with
// backoff, so a second retry layer here would only double the delay.
type HTTPStorage struct {
	baseURL    string
	httpClient *http.Client
	auth       TokenSource
	logger     *slog.Logger
}

// TokenSource supplies the bearer token attached to every request, mirroring
// graph.TokenSource's shape one layer removed from any OAuth specifics.
type TokenSource interface {
	Token() (string, error)
}

// NewHTTPStorage constructs an HTTPStorage talking to baseURL (e.g.
// "https://store.example.com/api/v1"). httpClient may be nil to use
// http.DefaultClient.
func NewHTTPStorage(baseURL string, httpClient *http.Client, auth TokenSource, logger *slog.Logger) *HTTPStorage {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPStorage{
		baseURL:    baseURL,
		httpClient: httpClient,
		auth:       auth,
		logger:     logger,
	}
}

type layoutWire struct {
	Version      uint64 `json:"version"`
	Header       []byte `json:"header"`
	SegmentTable []byte `json:"segmentTable"`
	TotalLen     uint64 `json:"totalLen"`
}

func (h *HTTPStorage) GetCurrentVersion(ctx context.Context, id objid.ID) (uint64, Layout, error) {
	resp, err := h.do(ctx, http.MethodGet, "/objs/"+id.String()+"/current", nil)
	if err != nil {
		return 0, Layout{}, err
	}
	defer resp.Body.Close()

	var wire layoutWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return 0, Layout{}, fmt.Errorf("remote: decoding layout of %s: %w", id, err)
	}

	return wire.Version, Layout{Header: wire.Header, SegmentTable: wire.SegmentTable, TotalLen: wire.TotalLen}, nil
}

func (h *HTTPStorage) GetRange(ctx context.Context, id objid.ID, version, ofs, length uint64) ([]byte, error) {
	path := fmt.Sprintf("/objs/%s/v/%d/range?ofs=%d&len=%d", id.String(), version, ofs, length)

	resp, err := h.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: reading range body for %s v%d: %w", id, version, err)
	}

	return data, nil
}

func (h *HTTPStorage) BeginUpload(ctx context.Context, id objid.ID, isFirstVersion bool, baseVersion uint64, header []byte) (UploadSession, error) {
	path := fmt.Sprintf("/objs/%s/uploads?first=%t&base=%d", id.String(), isFirstVersion, baseVersion)

	resp, err := h.do(ctx, http.MethodPost, path, bytes.NewReader(header))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("remote: decoding upload session for %s: %w", id, err)
	}

	return &httpUploadSession{storage: h, id: id, sessionID: wire.SessionID}, nil
}

func (h *HTTPStorage) RequestRemoval(ctx context.Context, id objid.ID, currentVersion uint64) error {
	path := fmt.Sprintf("/objs/%s/v/%d", id.String(), currentVersion)

	resp, err := h.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// httpUploadSession drives PutChunk/Finish/Abort against the session the
// server assigned in BeginUpload.
type httpUploadSession struct {
	storage   *HTTPStorage
	id        objid.ID
	sessionID string
}

func (s *httpUploadSession) PutChunk(ctx context.Context, ofs uint64, data []byte) error {
	path := fmt.Sprintf("/objs/%s/uploads/%s/chunks?ofs=%d", s.id.String(), s.sessionID, ofs)

	resp, err := s.storage.do(ctx, http.MethodPut, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

func (s *httpUploadSession) Finish(ctx context.Context) (uint64, []byte, error) {
	path := fmt.Sprintf("/objs/%s/uploads/%s/finish", s.id.String(), s.sessionID)

	resp, err := s.storage.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var wire struct {
		Version      uint64 `json:"version"`
		HeaderChange []byte `json:"headerChange,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return 0, nil, fmt.Errorf("remote: decoding upload completion for %s: %w", s.id, err)
	}

	return wire.Version, wire.HeaderChange, nil
}

func (s *httpUploadSession) Abort(ctx context.Context) error {
	path := fmt.Sprintf("/objs/%s/uploads/%s", s.id.String(), s.sessionID)

	resp, err := s.storage.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// do issues one authenticated request and classifies the response status
// into the package's sentinel errors. It never retries; that is the
// caller's (Downloader's/UpSyncer's) job.
func (h *HTTPStorage) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("remote: building request: %w", err)
	}

	reqID := uuid.NewString()
	req.Header.Set("X-Request-Id", reqID)

	if h.auth != nil {
		token, terr := h.auth.Token()
		if terr != nil {
			return nil, fmt.Errorf("remote: obtaining token: %w", terr)
		}

		req.Header.Set("Authorization", "Bearer "+token)
	}

	h.logger.Debug("remote request", "request_id", reqID, "method", method, "path", path)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s (request %s): %v", ErrUnavailable, method, path, reqID, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	defer resp.Body.Close()

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	classified := classifyStatus(resp.StatusCode, method, path, reqID, errBody)

	return nil, classified
}

func classifyStatus(status int, method, path, reqID string, body []byte) error {
	msg := fmt.Sprintf("%s %s (request %s): status %d: %s", method, path, reqID, status, string(body))

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrThrottled, msg)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	default:
		return fmt.Errorf("remote: %s", msg)
	}
}
