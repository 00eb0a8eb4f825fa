package source

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/mmcdole/gofeed"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseJSON decodes a JSON object body into a Payload. This is the default
// parser for descriptors that don't set one.
func ParseJSON(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode json payload: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("decode json payload: body is not an object")
	}
	return p, nil
}

// ParseRSS flattens an RSS/Atom feed into a Payload so feed endpoints can
// participate as sources. Exposes the feed title, item count, and the
// newest item's title/link/published time.
func ParseRSS(data []byte) (Payload, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	p := Payload{
		"title":      feed.Title,
		"item_count": len(feed.Items),
	}
	if len(feed.Items) > 0 {
		newest := feed.Items[0]
		p["latest_title"] = newest.Title
		p["latest_link"] = newest.Link
		if newest.PublishedParsed != nil {
			p["latest_published"] = newest.PublishedParsed.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
	}
	return p, nil
}
