package stats

import (
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

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBaseURL    = "https://www.googleapis.com/youtube/v3"
	defaultOEmbedURL  = "https://www.youtube.com/oembed"
	defaultTimeout    = 10 * time.Second
	defaultHandleTTL  = 6 * time.Hour
	maxVideoBatchSize = 50
	maxErrorBodyBytes = 512

	sharedLookupTimeout = 30 * time.Second
)

var (
	ErrMissingAPIKey    = errors.New("stats: api key required")
	ErrUnsupportedURL   = errors.New("stats: unsupported url")
	ErrVideoNotFound    = errors.New("stats: video not found")
	ErrChannelNotFound  = errors.New("stats: channel not found")
	ErrIncompleteDetail = errors.New("stats: upstream returned incomplete details")
)

// UpstreamError reports a non-2xx response from the provider.
type UpstreamError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stats: %s returned status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("stats: %s returned status %d: %s", e.Endpoint, e.Status, e.Body)
}

// VideoStats holds the engagement counters of one video.
type VideoStats struct {
	ViewCount int64
	LikeCount int64
}

// ChannelStats holds the subscriber count of one channel. Err is set when the
// lookup failed, in which case SubscriberCount is zero.
type ChannelStats struct {
	ChannelID       string
	SubscriberCount int64
	Err             error
}

// Details is the display metadata and current counters for a boost target.
type Details struct {
	Kind            URLKind
	Title           string
	ThumbnailURL    string
	ViewCount       int64
	LikeCount       int64
	SubscriberCount int64
}

// Config configures the YouTube backed stats client.
type Config struct {
	APIKey     string
	BaseURL    string
	OEmbedURL  string
	Timeout    time.Duration
	HandleTTL  time.Duration
	HTTPClient *http.Client
	Retry      RetryPolicy
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Client fetches statistics from the YouTube Data API and display data from oEmbed.
type Client struct {
	apiKey     string
	baseURL    string
	oembedURL  string
	httpClient *http.Client
	retry      RetryPolicy
	clock      func() time.Time
	logger     *zap.Logger

	group     singleflight.Group
	handleTTL time.Duration
	handleMu  sync.RWMutex
	handles   map[string]resolvedHandle
}

type resolvedHandle struct {
	channelID string
	expiresAt time.Time
}

// NewClient validates the configuration and constructs a client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	oembedURL := strings.TrimSpace(cfg.OEmbedURL)
	if oembedURL == "" {
		oembedURL = defaultOEmbedURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	handleTTL := cfg.HandleTTL
	if handleTTL <= 0 {
		handleTTL = defaultHandleTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		oembedURL:  oembedURL,
		httpClient: httpClient,
		retry:      cfg.Retry,
		clock:      clock,
		logger:     logger,
		handleTTL:  handleTTL,
		handles:    make(map[string]resolvedHandle),
	}
	onRetry := cfg.Retry.OnRetry
	client.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("upstream call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}
	return client, nil
}

// FetchDetails resolves title, thumbnail and current counters for a single URL.
func (c *Client) FetchDetails(ctx context.Context, rawURL string) (Details, error) {
	kind := Classify(rawURL)
	switch {
	case kind.IsVideo():
		return c.fetchVideoDetails(ctx, rawURL, kind)
	case kind == KindChannel:
		return c.fetchChannelDetails(ctx, rawURL)
	default:
		return Details{}, fmt.Errorf("%w: %s", ErrUnsupportedURL, rawURL)
	}
}

func (c *Client) fetchVideoDetails(ctx context.Context, rawURL string, kind URLKind) (Details, error) {
	videoID, ok := ExtractVideoID(rawURL)
	if !ok {
		return Details{}, fmt.Errorf("%w: cannot parse video id from %s", ErrUnsupportedURL, rawURL)
	}

	var embed oembedResponse
	query := url.Values{"url": {rawURL}, "format": {"json"}}
	if err := c.getJSON(ctx, "oembed", c.oembedURL, query, &embed); err != nil {
		return Details{}, err
	}
	if strings.TrimSpace(embed.Title) == "" || strings.TrimSpace(embed.ThumbnailURL) == "" {
		return Details{}, ErrIncompleteDetail
	}

	fetched, err := c.videoBatch(ctx, []string{videoID})
	if err != nil {
		return Details{}, err
	}
	stats, ok := fetched[videoID]
	if !ok {
		return Details{}, fmt.Errorf("%w: %s", ErrVideoNotFound, videoID)
	}

	return Details{
		Kind:         kind,
		Title:        embed.Title,
		ThumbnailURL: embed.ThumbnailURL,
		ViewCount:    stats.ViewCount,
		LikeCount:    stats.LikeCount,
	}, nil
}

func (c *Client) fetchChannelDetails(ctx context.Context, rawURL string) (Details, error) {
	ref, ok := ExtractChannelRef(rawURL)
	if !ok {
		return Details{}, fmt.Errorf("%w: cannot parse channel from %s", ErrUnsupportedURL, rawURL)
	}
	item, err := c.lookupChannel(ctx, ref)
	if err != nil {
		return Details{}, err
	}
	if strings.TrimSpace(item.Snippet.Title) == "" || strings.TrimSpace(item.Snippet.Thumbnails.Default.URL) == "" {
		return Details{}, ErrIncompleteDetail
	}
	return Details{
		Kind:            KindChannel,
		Title:           item.Snippet.Title,
		ThumbnailURL:    item.Snippet.Thumbnails.Default.URL,
		ViewCount:       parseCount(item.Statistics.ViewCount),
		SubscriberCount: parseCount(item.Statistics.SubscriberCount),
	}, nil
}

// FetchVideoStats fetches counters for many videos, at most 50 ids per request.
// A failed chunk leaves its ids out of the result; the returned error joins every
// chunk failure and accompanies whatever was fetched.
func (c *Client) FetchVideoStats(ctx context.Context, ids []string) (map[string]VideoStats, error) {
	unique := dedupe(ids)
	result := make(map[string]VideoStats, len(unique))

	var errs []error
	for start := 0; start < len(unique); start += maxVideoBatchSize {
		end := min(start+maxVideoBatchSize, len(unique))
		chunk := unique[start:end]
		fetched, err := c.videoBatch(ctx, chunk)
		if err != nil {
			c.logger.Error("video stats chunk failed",
				zap.Int("chunk_start", start),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		for id, stats := range fetched {
			result[id] = stats
		}
	}
	return result, errors.Join(errs...)
}

// FetchChannelStats looks channels up one at a time. Failures are reported per item
// through ChannelStats.Err and never abort the batch. The result is keyed by ChannelRef.Key.
func (c *Client) FetchChannelStats(ctx context.Context, refs []ChannelRef) map[string]ChannelStats {
	result := make(map[string]ChannelStats, len(refs))
	for _, ref := range refs {
		key := ref.Key()
		if _, seen := result[key]; seen {
			continue
		}
		item, err := c.lookupChannel(ctx, ref)
		if err != nil {
			c.logger.Warn("channel stats lookup failed", zap.String("channel", key), zap.Error(err))
			result[key] = ChannelStats{Err: err}
			continue
		}
		result[key] = ChannelStats{
			ChannelID:       item.ID,
			SubscriberCount: parseCount(item.Statistics.SubscriberCount),
		}
	}
	return result
}

func (c *Client) videoBatch(ctx context.Context, ids []string) (map[string]VideoStats, error) {
	var response videoListResponse
	query := url.Values{
		"part": {"statistics"},
		"id":   {strings.Join(ids, ",")},
	}
	if err := c.getJSON(ctx, "videos", c.baseURL+"/videos", c.withKey(query), &response); err != nil {
		return nil, err
	}
	fetched := make(map[string]VideoStats, len(response.Items))
	for _, item := range response.Items {
		fetched[item.ID] = VideoStats{
			ViewCount: parseCount(item.Statistics.ViewCount),
			LikeCount: parseCount(item.Statistics.LikeCount),
		}
	}
	return fetched, nil
}

// lookupChannel coalesces concurrent lookups of the same channel and remembers
// which channel id a handle or username resolved to. The shared lookup outlives
// any single caller; each caller stops waiting when its own context ends.
func (c *Client) lookupChannel(ctx context.Context, ref ChannelRef) (channelItem, error) {
	results := c.group.DoChan(ref.Key(), func() (interface{}, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		return c.fetchChannel(sharedCtx, ref)
	})
	select {
	case <-ctx.Done():
		return channelItem{}, ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return channelItem{}, result.Err
		}
		return result.Val.(channelItem), nil
	}
}

func (c *Client) fetchChannel(ctx context.Context, ref ChannelRef) (channelItem, error) {
	key := ref.Key()
	query := url.Values{"part": {"snippet,statistics"}}
	if channelID, ok := c.resolvedChannelID(ref); ok {
		query.Set("id", channelID)
	} else {
		switch ref.Kind {
		case ChannelRefID:
			query.Set("id", ref.Value)
		case ChannelRefHandle:
			query.Set("forHandle", ref.Value)
		case ChannelRefUsername:
			query.Set("forUsername", ref.Value)
		default:
			return channelItem{}, fmt.Errorf("%w: channel reference %q", ErrUnsupportedURL, ref.Value)
		}
	}

	var response channelListResponse
	if err := c.getJSON(ctx, "channels", c.baseURL+"/channels", c.withKey(query), &response); err != nil {
		return channelItem{}, err
	}
	if len(response.Items) == 0 {
		return channelItem{}, fmt.Errorf("%w: %s", ErrChannelNotFound, key)
	}
	item := response.Items[0]
	if ref.Kind != ChannelRefID && item.ID != "" {
		c.rememberChannelID(ref, item.ID)
	}
	return item, nil
}

func (c *Client) resolvedChannelID(ref ChannelRef) (string, bool) {
	if ref.Kind == ChannelRefID {
		return "", false
	}
	c.handleMu.RLock()
	defer c.handleMu.RUnlock()
	entry, ok := c.handles[ref.Key()]
	if !ok || c.clock().After(entry.expiresAt) {
		return "", false
	}
	return entry.channelID, true
}

func (c *Client) rememberChannelID(ref ChannelRef, channelID string) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	c.handles[ref.Key()] = resolvedHandle{channelID: channelID, expiresAt: c.clock().Add(c.handleTTL)}
}

func (c *Client) withKey(query url.Values) url.Values {
	query.Set("key", c.apiKey)
	return query
}

func (c *Client) getJSON(ctx context.Context, endpoint, base string, query url.Values, out interface{}) error {
	target := base + "?" + query.Encode()
	return c.retry.Do(ctx, func(ctx context.Context) error {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
		if err != nil {
			return Permanent(err)
		}
		request.Header.Set("Accept", "application/json")

		response, err := c.httpClient.Do(request)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		if response.StatusCode < 200 || response.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
			return &UpstreamError{
				Endpoint: endpoint,
				Status:   response.StatusCode,
				Body:     strings.TrimSpace(string(body)),
			}
		}
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return Permanent(fmt.Errorf("stats: decode %s response: %w", endpoint, err))
		}
		return nil
	})
}

type oembedResponse struct {
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type videoListResponse struct {
	Items []struct {
		ID         string `json:"id"`
		Statistics struct {
			ViewCount string `json:"viewCount"`
			LikeCount string `json:"likeCount"`
		} `json:"statistics"`
	} `json:"items"`
}

type channelItem struct {
	ID      string `json:"id"`
	Snippet struct {
		Title      string `json:"title"`
		Thumbnails struct {
			Default struct {
				URL string `json:"url"`
			} `json:"default"`
		} `json:"thumbnails"`
	} `json:"snippet"`
	Statistics struct {
		ViewCount       string `json:"viewCount"`
		SubscriberCount string `json:"subscriberCount"`
	} `json:"statistics"`
}

type channelListResponse struct {
	Items []channelItem `json:"items"`
}

// parseCount reads the decimal strings the Data API uses for counters. Hidden or
// missing counters read as zero.
func parseCount(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
