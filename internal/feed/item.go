// Package feed holds the canonical feed card and the filter key used to
// namespace cached pages.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMissingID is returned when a raw item carries neither _id nor id
var ErrMissingID = errors.New("feed: item has no id")

// Item is the canonical card shown in the feed
type Item struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"ownerId,omitempty"`
	Name        string   `json:"name"`
	Species     string   `json:"species,omitempty"`
	Breed       string   `json:"breed,omitempty"`
	Age         float64  `json:"age,omitempty"`
	Photos      []string `json:"photos"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Distance    float64  `json:"distance,omitempty"`
}

// rawItem accepts every shape the remote service has been seen to return
type rawItem struct {
	MongoID         string            `json:"_id"`
	ID              string            `json:"id"`
	Owner           json.RawMessage   `json:"owner"`
	Name            string            `json:"name"`
	Species         string            `json:"species"`
	Breed           string            `json:"breed"`
	Age             json.RawMessage   `json:"age"`
	Photos          []json.RawMessage `json:"photos"`
	Description     string            `json:"description"`
	PersonalityTags []string          `json:"personalityTags"`
	Tags            []string          `json:"tags"`
	Distance        json.RawMessage   `json:"distance"`
}

type rawRef struct {
	MongoID string `json:"_id"`
	ID      string `json:"id"`
}

type rawPhoto struct {
	URL       string `json:"url"`
	IsPrimary bool   `json:"isPrimary"`
}

// Normalize decodes one raw item into an Item
func Normalize(raw json.RawMessage) (Item, error) {
	var r rawItem
	if err := json.Unmarshal(raw, &r); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", err)
	}

	id := firstNonEmpty(r.MongoID, r.ID)
	if id == "" {
		return Item{}, ErrMissingID
	}

	item := Item{
		ID:          id,
		OwnerID:     refID(r.Owner),
		Name:        strings.TrimSpace(r.Name),
		Species:     r.Species,
		Breed:       r.Breed,
		Photos:      photoURLs(r.Photos),
		Description: r.Description,
		Tags:        r.Tags,
	}
	if len(item.Tags) == 0 {
		item.Tags = r.PersonalityTags
	}
	if age, ok := number(r.Age); ok && age >= 0 {
		item.Age = age
	}
	if d, ok := number(r.Distance); ok && d >= 0 {
		item.Distance = d
	}
	if item.Name == "" {
		item.Name = "Unknown"
	}

	return item, nil
}

// NormalizeAll normalizes a page, dropping items that cannot be identified
// and duplicates of an id already seen. It returns how many were dropped.
func NormalizeAll(raws []json.RawMessage) ([]Item, int) {
	items := make([]Item, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	dropped := 0

	for _, raw := range raws {
		item, err := Normalize(raw)
		if err != nil {
			dropped++
			continue
		}
		if _, dup := seen[item.ID]; dup {
			dropped++
			continue
		}
		seen[item.ID] = struct{}{}
		items = append(items, item)
	}
	return items, dropped
}

// refID reads an owner given either as a bare id or as an object
func refID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var ref rawRef
	if err := json.Unmarshal(raw, &ref); err == nil {
		return firstNonEmpty(ref.MongoID, ref.ID)
	}
	return ""
}

// photoURLs accepts bare URL strings or {url, isPrimary} objects. The primary
// photo, if any, is moved to the front.
func photoURLs(raws []json.RawMessage) []string {
	urls := make([]string, 0, len(raws))
	primary := -1

	for _, raw := range raws {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s != "" {
				urls = append(urls, s)
			}
			continue
		}

		var p rawPhoto
		if err := json.Unmarshal(raw, &p); err != nil || p.URL == "" {
			continue
		}
		if p.IsPrimary && primary < 0 {
			primary = len(urls)
		}
		urls = append(urls, p.URL)
	}

	if primary > 0 {
		first := urls[primary]
		copy(urls[1:primary+1], urls[:primary])
		urls[0] = first
	}
	return urls
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// number reads a JSON number or a numeric string
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}
