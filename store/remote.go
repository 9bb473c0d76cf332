package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stevemurr/tabsync/logging"
	"github.com/stevemurr/tabsync/quota"
)

// ClientIDHeader carries the id of the client that made a write. The server
// reports it as the origin of the resulting change set.
const ClientIDHeader = "X-Client-ID"

// ErrorResponse is the error body returned by the sync server.
type ErrorResponse struct {
	Detail string      `json:"detail"`
	Limit  quota.Limit `json:"limit,omitempty"`
	Key    string      `json:"key,omitempty"`
	Size   int         `json:"size,omitempty"`
	Max    int         `json:"max,omitempty"`
}

// KeysRequest is the body of the get and remove endpoints.
type KeysRequest struct {
	Keys []string `json:"keys"`
}

// ChangeRecord is a change set with its position in the server changelog.
type ChangeRecord struct {
	Seq int64 `json:"seq"`
	ChangeSet
}

// ChangesResponse is returned by the changes endpoint. Reset is set when
// the requested position has already been evicted from the changelog.
type ChangesResponse struct {
	Seq     int64          `json:"seq"`
	Reset   bool           `json:"reset,omitempty"`
	Changes []ChangeRecord `json:"changes"`
}

// RemoteStore is a Store backed by an area of a sync server. Change sets
// are obtained by polling the server changelog.
type RemoteStore struct {
	base     string
	area     string
	clientID string
	client   *http.Client
	interval time.Duration
	logger   logrus.FieldLogger
	feed     *feed

	pollOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// RemoteOption configures a RemoteStore.
type RemoteOption func(*RemoteStore)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteStore) { r.client = c }
}

// WithPollInterval sets how often the changelog is polled.
func WithPollInterval(d time.Duration) RemoteOption {
	return func(r *RemoteStore) { r.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) RemoteOption {
	return func(r *RemoteStore) { r.logger = l }
}

// WithClientID overrides the generated client id.
func WithClientID(id string) RemoteOption {
	return func(r *RemoteStore) { r.clientID = id }
}

func NewRemoteStore(baseURL, area string, opts ...RemoteOption) *RemoteStore {
	r := &RemoteStore{
		base:     strings.TrimSuffix(baseURL, "/"),
		area:     area,
		clientID: uuid.New().String(),
		client:   &http.Client{Timeout: 30 * time.Second},
		interval: 2 * time.Second,
		feed:     newFeed(area),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	r.logger = r.logger.WithFields(logrus.Fields{"area": area, "remote": r.base})
	return r
}

// ClientID returns the id sent with every request.
func (r *RemoteStore) ClientID() string {
	return r.clientID
}

func (r *RemoteStore) endpoint(path string) string {
	return r.base + "/areas/" + url.PathEscape(r.area) + path
}

func (r *RemoteStore) do(ctx context.Context, method, path string, body, out any) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var rd io.Reader
	if body != nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(body); err != nil {
			return err
		}
		rd = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint(path), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(ClientIDHeader, r.clientID)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(method, path string, resp *http.Response) error {
	var e ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &e); err != nil {
		e.Detail = strings.TrimSpace(string(data))
	}
	switch resp.StatusCode {
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		limit := e.Limit
		if limit == "" {
			limit = quota.LimitTotal
			if resp.StatusCode == http.StatusTooManyRequests {
				limit = quota.LimitWriteRate
			}
		}
		return &quota.ExceededError{Limit: limit, Key: e.Key, Size: e.Size, Max: e.Max}
	}
	return fmt.Errorf("remote store: %s %s: %s: %s", method, path, resp.Status, e.Detail)
}

func (r *RemoteStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	if err := r.do(ctx, http.MethodPost, "/entries/get", KeysRequest{Keys: keys}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RemoteStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage)
	if err := r.do(ctx, http.MethodGet, "/entries", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *RemoteStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	entries, err := normalize(entries)
	if err != nil {
		return err
	}
	return r.do(ctx, http.MethodPut, "/entries", entries, nil)
}

func (r *RemoteStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.do(ctx, http.MethodPost, "/entries/remove", KeysRequest{Keys: keys}, nil)
}

func (r *RemoteStore) Clear(ctx context.Context) error {
	return r.do(ctx, http.MethodDelete, "/entries", nil, nil)
}

// Changes returns the changelog records after since.
func (r *RemoteStore) Changes(ctx context.Context, since int64) (ChangesResponse, error) {
	var resp ChangesResponse
	path := "/changes"
	if since >= 0 {
		path += "?since=" + strconv.FormatInt(since, 10)
	}
	err := r.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Subscribe starts polling the server changelog on first use. The changelog
// position is taken before Subscribe returns, so writes made after it are
// delivered.
func (r *RemoteStore) Subscribe(ctx context.Context) (<-chan ChangeSet, func()) {
	c, stop := r.feed.subscribe(ctx)
	r.pollOnce.Do(func() {
		cursor := int64(-1)
		if resp, err := r.Changes(ctx, -1); err != nil {
			r.logger.WithError(err).Warn("read changelog position")
		} else {
			cursor = resp.Seq
		}
		r.wg.Add(1)
		go r.poll(cursor)
	})
	return c, stop
}

func (r *RemoteStore) poll(cursor int64) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.done:
			return
		}

		resp, err := r.Changes(ctx, cursor)
		switch {
		case err != nil:
			if ctx.Err() == nil && !errors.Is(err, ErrClosed) {
				r.logger.WithError(err).Warn("poll changelog")
			}
		case cursor < 0:
			cursor = resp.Seq
		default:
			if resp.Reset {
				r.logger.WithField("since", cursor).Warn("changelog position evicted, changes were missed")
			}
			for _, rec := range resp.Changes {
				r.feed.publish(rec.Origin, rec.Changes)
			}
			cursor = resp.Seq
		}
	}
}

func (r *RemoteStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	r.feed.close()
	return nil
}
