package stats

import (
	"regexp"
	"strings"
)

// URLKind is the lexical category of a boost target URL.
type URLKind string

const (
	KindVideo   URLKind = "video"
	KindShorts  URLKind = "shorts"
	KindChannel URLKind = "channel"
	KindUnknown URLKind = "unknown"
)

// IsVideo reports whether the kind is served by the video statistics endpoint.
func (k URLKind) IsVideo() bool {
	return k == KindVideo || k == KindShorts
}

var (
	videoIDPattern       = regexp.MustCompile(`(?:[?&]v=|youtu\.be/|/shorts/|/embed/)([A-Za-z0-9_-]{11})`)
	channelIDPattern     = regexp.MustCompile(`/channel/(UC[A-Za-z0-9_-]{22})`)
	channelHandlePattern = regexp.MustCompile(`/@([A-Za-z0-9._-]+)`)
	channelUserPattern   = regexp.MustCompile(`/(?:user|c)/([A-Za-z0-9._-]+)`)
	videoMarkers         = []string{"watch?v=", "youtu.be/", "/embed/"}
	channelMarkers       = []string{"/channel/", "/user/", "/c/", "/@"}
	shortsMarker         = "/shorts/"
)

// Classify inspects the URL text only; it performs no network access.
func Classify(rawURL string) URLKind {
	value := strings.ToLower(strings.TrimSpace(rawURL))
	if value == "" {
		return KindUnknown
	}
	if strings.Contains(value, shortsMarker) {
		return KindShorts
	}
	for _, marker := range videoMarkers {
		if strings.Contains(value, marker) {
			return KindVideo
		}
	}
	for _, marker := range channelMarkers {
		if strings.Contains(value, marker) {
			return KindChannel
		}
	}
	return KindUnknown
}

// ExtractVideoID returns the 11 character video id embedded in a video or shorts URL.
func ExtractVideoID(rawURL string) (string, bool) {
	match := videoIDPattern.FindStringSubmatch(strings.TrimSpace(rawURL))
	if len(match) != 2 {
		return "", false
	}
	return match[1], true
}

// ChannelRefKind distinguishes how a channel is addressed upstream.
type ChannelRefKind string

const (
	ChannelRefID       ChannelRefKind = "id"
	ChannelRefHandle   ChannelRefKind = "handle"
	ChannelRefUsername ChannelRefKind = "username"
)

// ChannelRef names a channel either directly by id or indirectly by handle or legacy username.
type ChannelRef struct {
	Kind  ChannelRefKind
	Value string
}

// Key is stable across URL spellings of the same channel.
func (r ChannelRef) Key() string {
	value := r.Value
	if r.Kind != ChannelRefID {
		value = strings.ToLower(value)
	}
	return string(r.Kind) + ":" + value
}

// ExtractChannelRef pulls a channel reference from a channel URL.
func ExtractChannelRef(rawURL string) (ChannelRef, bool) {
	value := strings.TrimSpace(rawURL)
	if match := channelIDPattern.FindStringSubmatch(value); len(match) == 2 {
		return ChannelRef{Kind: ChannelRefID, Value: match[1]}, true
	}
	if match := channelHandlePattern.FindStringSubmatch(value); len(match) == 2 {
		return ChannelRef{Kind: ChannelRefHandle, Value: "@" + match[1]}, true
	}
	if match := channelUserPattern.FindStringSubmatch(value); len(match) == 2 {
		return ChannelRef{Kind: ChannelRefUsername, Value: match[1]}, true
	}
	return ChannelRef{}, false
}
