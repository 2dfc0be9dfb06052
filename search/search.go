////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package search decodes message search responses and routes hits back into
// cached timelines. The backend owns the index; this package only consumes
// its JSON responses.
package search

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/thedevsaddam/gojsonq"

	"gitlab.com/pitside/client/chat"
)

// Backend is the search endpoint: it returns the raw JSON response for a
// query within a community.
type Backend interface {
	RawSearch(ctx context.Context, communityID chat.CommunityID,
		query string) (string, error)
}

// Result is one search hit, carrying enough to render the hit list and jump
// into the owning channel's timeline.
type Result struct {
	MessageID  chat.MessageID
	ChannelID  chat.ChannelID
	AuthorName string
	Snippet    string
	Highlights []string
	CreatedAt  time.Time
}

// Response is a decoded search response.
type Response struct {
	Query   string
	Total   int
	Results []Result
}

// Client runs searches and caches decoded responses by query until a
// mutation invalidates them.
type Client struct {
	backend     Backend
	communityID chat.CommunityID
	cache       *chat.Cache
}

// NewClient builds a search client. The cache may be the manager's shared
// derived-state cache; search entries use the search kind and are invalidated
// with it.
func NewClient(backend Backend, communityID chat.CommunityID,
	cache *chat.Cache) *Client {
	return &Client{backend: backend, communityID: communityID, cache: cache}
}

// Search runs one query, serving a cached decode when present.
func (c *Client) Search(ctx context.Context, query string) (Response, error) {
	key := chat.CacheKey{Kind: chat.CacheSearch, ID: query}
	if cached, hit := c.cache.Get(key); hit {
		return cached.(Response), nil
	}

	raw, err := c.backend.RawSearch(ctx, c.communityID, query)
	if err != nil {
		return Response{}, errors.WithMessagef(err,
			"search for %q failed", query)
	}

	resp, err := ParseResponse(query, raw)
	if err != nil {
		return Response{}, err
	}

	c.cache.Put(key, resp)
	jww.DEBUG.Printf("[SRCH] Query %q returned %d of %d hits",
		query, len(resp.Results), resp.Total)
	return resp, nil
}

// ForChannel re-filters a raw response down to one channel's hits without
// another round trip.
func ForChannel(raw string, channelID chat.ChannelID) ([]Result, error) {
	jq := gojsonq.New().FromString(raw).
		From("results").
		Where("channelId", "=", string(channelID))
	items, ok := jq.Get().([]interface{})
	if jq.Error() != nil {
		return nil, errors.WithMessagef(jq.Error(),
			"failed to filter search results for channel %s", channelID)
	}
	if !ok {
		return nil, nil
	}
	return decodeResults(items), nil
}

// ParseResponse decodes one raw search response body.
func ParseResponse(query, raw string) (Response, error) {
	jq := gojsonq.New().FromString(raw)
	total, ok := jq.Find("total").(float64)
	if jq.Error() != nil {
		return Response{}, errors.WithMessagef(jq.Error(),
			"malformed search response for %q", query)
	}
	if !ok {
		total = 0
	}

	jq = gojsonq.New().FromString(raw).From("results")
	items, _ := jq.Get().([]interface{})
	if jq.Error() != nil {
		return Response{}, errors.WithMessagef(jq.Error(),
			"malformed search results for %q", query)
	}

	return Response{
		Query:   query,
		Total:   int(total),
		Results: decodeResults(items),
	}, nil
}

// decodeResults converts the decoded JSON items into Results, skipping
// entries that do not carry the required identifiers.
func decodeResults(items []interface{}) []Result {
	results := make([]Result, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		r := Result{
			MessageID:  chat.MessageID(str(fields, "messageId")),
			ChannelID:  chat.ChannelID(str(fields, "channelId")),
			AuthorName: str(fields, "authorName"),
			Snippet:    str(fields, "snippet"),
		}
		if r.MessageID == "" || r.ChannelID == "" {
			jww.WARN.Printf("[SRCH] Dropped search hit without identifiers: "+
				"%v", fields)
			continue
		}

		if raw, isSlice := fields["highlights"].([]interface{}); isSlice {
			for _, h := range raw {
				if s, isString := h.(string); isString {
					r.Highlights = append(r.Highlights, s)
				}
			}
		}
		if createdAt, err := time.Parse(
			time.RFC3339Nano, str(fields, "createdAt")); err == nil {
			r.CreatedAt = createdAt
		}

		results = append(results, r)
	}
	return results
}

func str(fields map[string]interface{}, key string) string {
	if s, ok := fields[key].(string); ok {
		return s
	}
	return ""
}
