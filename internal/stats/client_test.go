package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeYouTube struct {
	mu            sync.Mutex
	videoRequests []string
	channelCalls  []string
	failVideos    map[string]bool
	failChannels  map[string]int
	videoFailures int32
	// channelEntered and channelGate, when set, hold channel responses until the gate closes.
	channelEntered chan struct{}
	channelGate    chan struct{}
}

func (f *fakeYouTube) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/videos", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		ids := strings.Split(r.URL.Query().Get("id"), ",")
		f.mu.Lock()
		f.videoRequests = append(f.videoRequests, r.URL.Query().Get("id"))
		f.mu.Unlock()
		if atomic.AddInt32(&f.videoFailures, -1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		for _, id := range ids {
			if f.failVideos[id] {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		items := make([]map[string]interface{}, 0, len(ids))
		for i, id := range ids {
			items = append(items, map[string]interface{}{
				"id": id,
				"statistics": map[string]string{
					"viewCount": fmt.Sprintf("%d", 1000+i),
					"likeCount": fmt.Sprintf("%d", 10+i),
				},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	})
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		lookup := query.Get("id") + query.Get("forHandle") + query.Get("forUsername")
		f.mu.Lock()
		f.channelCalls = append(f.channelCalls, r.URL.RawQuery)
		remaining := f.failChannels[lookup]
		if remaining > 0 {
			f.failChannels[lookup] = remaining - 1
		}
		f.mu.Unlock()
		if f.channelGate != nil {
			select {
			case f.channelEntered <- struct{}{}:
			default:
			}
			<-f.channelGate
		}
		if remaining > 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if lookup == "@missing" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"items": []interface{}{}})
			return
		}
		channelID := lookup
		if !strings.HasPrefix(lookup, "UC") {
			channelID = "UCresolved" + strings.TrimPrefix(lookup, "@")
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"items": []interface{}{map[string]interface{}{
				"id": channelID,
				"snippet": map[string]interface{}{
					"title":      "Channel " + lookup,
					"thumbnails": map[string]interface{}{"default": map[string]string{"url": "https://img/" + channelID}},
				},
				"statistics": map[string]string{"subscriberCount": "4200", "viewCount": "99"},
			}},
		})
	})
	mux.HandleFunc("/oembed", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"title":         "A video",
			"thumbnail_url": "https://img/video.jpg",
		})
	})
	return mux
}

// immediateTimer never waits, so retries run back to back.
type immediateTimer struct{}

var firedChannel = func() chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

func (immediateTimer) Start(time.Duration) {}

func (immediateTimer) Stop() {}

func (immediateTimer) C() <-chan time.Time { return firedChannel }

func newTestClient(t *testing.T, fake *fakeYouTube, logger *zap.Logger) (*Client, *int32) {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	var retries int32
	policy := DefaultRetryPolicy()
	policy.Timer = immediateTimer{}
	policy.OnRetry = func(int, time.Duration, error) { atomic.AddInt32(&retries, 1) }

	client, err := NewClient(Config{
		APIKey:    "test-key",
		BaseURL:   server.URL,
		OEmbedURL: server.URL + "/oembed",
		Retry:     policy,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client, &retries
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected missing api key error, got %v", err)
	}
}

func TestFetchDetailsForVideo(t *testing.T) {
	client, _ := newTestClient(t, &fakeYouTube{}, nil)

	details, err := client.FetchDetails(context.Background(), "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("fetch details failed: %v", err)
	}
	if details.Kind != KindVideo || details.Title != "A video" || details.ThumbnailURL != "https://img/video.jpg" {
		t.Fatalf("unexpected details %#v", details)
	}
	if details.ViewCount != 1000 || details.LikeCount != 10 {
		t.Fatalf("unexpected counters %#v", details)
	}
}

func TestFetchDetailsForChannel(t *testing.T) {
	client, _ := newTestClient(t, &fakeYouTube{}, nil)

	details, err := client.FetchDetails(context.Background(), "https://www.youtube.com/@creator")
	if err != nil {
		t.Fatalf("fetch details failed: %v", err)
	}
	if details.Kind != KindChannel || details.SubscriberCount != 4200 {
		t.Fatalf("unexpected details %#v", details)
	}
}

func TestFetchDetailsRejectsUnknownURL(t *testing.T) {
	client, _ := newTestClient(t, &fakeYouTube{}, nil)
	if _, err := client.FetchDetails(context.Background(), "https://example.com"); !errors.Is(err, ErrUnsupportedURL) {
		t.Fatalf("expected unsupported url error, got %v", err)
	}
}

func TestFetchVideoStatsChunksAtFifty(t *testing.T) {
	fake := &fakeYouTube{}
	client, _ := newTestClient(t, fake, nil)

	ids := make([]string, 0, 120)
	for i := 0; i < 120; i++ {
		ids = append(ids, fmt.Sprintf("vid%08d", i))
	}
	ids = append(ids, ids[0])

	result, err := client.FetchVideoStats(context.Background(), ids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 120 {
		t.Fatalf("expected 120 results, got %d", len(result))
	}
	if len(fake.videoRequests) != 3 {
		t.Fatalf("expected 3 chunked requests, got %d", len(fake.videoRequests))
	}
	for _, request := range fake.videoRequests {
		if count := len(strings.Split(request, ",")); count > 50 {
			t.Fatalf("chunk exceeded provider limit: %d ids", count)
		}
	}
}

func TestFetchVideoStatsKeepsOtherChunksWhenOneFails(t *testing.T) {
	ids := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		ids = append(ids, fmt.Sprintf("vid%08d", i))
	}
	fake := &fakeYouTube{failVideos: map[string]bool{ids[55]: true}}
	core, logs := observer.New(zapcore.ErrorLevel)
	client, _ := newTestClient(t, fake, zap.New(core))

	result, err := client.FetchVideoStats(context.Background(), ids)
	if err == nil {
		t.Fatalf("expected aggregate error for failed chunk")
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusInternalServerError {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if len(result) != 50 {
		t.Fatalf("expected first chunk to survive, got %d results", len(result))
	}
	if _, ok := result[ids[55]]; ok {
		t.Fatalf("expected failed chunk ids to be absent")
	}
	if logs.FilterMessage("video stats chunk failed").Len() != 1 {
		t.Fatalf("expected chunk failure to be logged once")
	}
}

func TestFetchVideoStatsRetriesTransientFailures(t *testing.T) {
	fake := &fakeYouTube{videoFailures: 2}
	client, retries := newTestClient(t, fake, nil)

	result, err := client.FetchVideoStats(context.Background(), []string{"dQw4w9WgXcQ"})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if result["dQw4w9WgXcQ"].ViewCount != 1000 {
		t.Fatalf("unexpected result %#v", result)
	}
	if atomic.LoadInt32(retries) != 2 {
		t.Fatalf("expected 2 retries, got %d", atomic.LoadInt32(retries))
	}
}

func TestFetchChannelStatsIsolatesFailures(t *testing.T) {
	fake := &fakeYouTube{failChannels: map[string]int{"@broken": 3}}
	client, _ := newTestClient(t, fake, nil)

	refs := []ChannelRef{
		{Kind: ChannelRefID, Value: "UCabcdefghijklmnopqrstuv"},
		{Kind: ChannelRefHandle, Value: "@broken"},
		{Kind: ChannelRefHandle, Value: "@missing"},
		{Kind: ChannelRefUsername, Value: "legacy"},
	}
	result := client.FetchChannelStats(context.Background(), refs)

	if got := result[refs[0].Key()]; got.Err != nil || got.SubscriberCount != 4200 {
		t.Fatalf("unexpected id lookup %#v", got)
	}
	broken := result[refs[1].Key()]
	if broken.Err == nil || broken.SubscriberCount != 0 {
		t.Fatalf("expected failed lookup to degrade to zero, got %#v", broken)
	}
	if missing := result[refs[2].Key()]; !errors.Is(missing.Err, ErrChannelNotFound) {
		t.Fatalf("expected channel not found, got %#v", missing)
	}
	if legacy := result[refs[3].Key()]; legacy.Err != nil || legacy.ChannelID != "UCresolvedlegacy" {
		t.Fatalf("unexpected username lookup %#v", legacy)
	}
}

func TestHandleResolutionIsCached(t *testing.T) {
	fake := &fakeYouTube{}
	client, _ := newTestClient(t, fake, nil)
	ref := ChannelRef{Kind: ChannelRefHandle, Value: "@creator"}

	client.FetchChannelStats(context.Background(), []ChannelRef{ref})
	client.FetchChannelStats(context.Background(), []ChannelRef{ref})

	if len(fake.channelCalls) != 2 {
		t.Fatalf("expected 2 channel calls, got %d", len(fake.channelCalls))
	}
	if !strings.Contains(fake.channelCalls[0], "forHandle=") {
		t.Fatalf("expected first lookup by handle, got %s", fake.channelCalls[0])
	}
	if !strings.Contains(fake.channelCalls[1], "id=UCresolvedcreator") {
		t.Fatalf("expected second lookup by resolved id, got %s", fake.channelCalls[1])
	}
}

func TestChannelLookupSurvivesCancelledFirstCaller(t *testing.T) {
	fake := &fakeYouTube{channelEntered: make(chan struct{}, 1), channelGate: make(chan struct{})}
	client, _ := newTestClient(t, fake, nil)
	ref := ChannelRef{Kind: ChannelRefHandle, Value: "@creator"}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.lookupChannel(firstCtx, ref)
		firstErr <- err
	}()
	<-fake.channelEntered

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the first caller to stop with its own cancellation, got %v", err)
	}
	close(fake.channelGate)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if channelID, ok := client.resolvedChannelID(ref); ok {
			if channelID != "UCresolvedcreator" {
				t.Fatalf("unexpected resolved id %q", channelID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("shared lookup was abandoned with the first caller")
		}
		time.Sleep(5 * time.Millisecond)
	}

	item, err := client.lookupChannel(context.Background(), ref)
	if err != nil || item.ID != "UCresolvedcreator" {
		t.Fatalf("expected a later caller to succeed, got %#v, %v", item, err)
	}
}
