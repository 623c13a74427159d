package search

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// attributeKeys are carried over verbatim into RawItem.Attributes.
var attributeKeys = []string{
	"extra_author_attributes",
	"extra_source_attributes",
	"article_extended_attributes",
	"source_extended_attributes",
	"tokens_hashtag",
	"tags_internal",
	"porn_level",
	"fluency_level",
	"images",
	"videos",
	"root_url",
	"parent_url",
}

// Project maps one search result onto a RawItem through a fixed field table.
// provider is the social provider whose items are hydrated.
func Project(data models.Attributes, provider string) models.RawItem {
	item := models.RawItem{
		Title:            data.String("title"),
		Body:             data.String("content"),
		ExternalID:       data.String("external_id"),
		ExternalProvider: data.String("external_provider"),
		URL:              data.String("url"),
		Lang:             data.String("lang"),
		PostType:         data.String("post_type"),
		Sentiment:        data.Int("sentiment"),
		WordCount:        data.Int("word_count"),
		Engagement:       data.Int("engagement"),
		Reach:            data.Int("reach"),
		Published:        NormalizePublished(data.String("published")),
		SourceType:       data.Strings("source_type"),
		Tags:             data.Strings("tokens_hashtag"),
	}
	item.Source = DeriveSource(item.ExternalProvider, provider, item.URL)

	attrs := models.Attributes{}
	for _, key := range attributeKeys {
		if v, ok := data[key]; ok && v != nil {
			attrs[key] = v
		}
	}
	if len(attrs) > 0 {
		item.Attributes = attrs
	}

	if item.HasKnownPublished() {
		item.PublishSource = models.PublishSourceSearch
	}
	return item
}

// NormalizePublished scales a provider epoch of any precision down to
// seconds using its digit count. Empty input yields 0; fewer than ten digits
// or a non-numeric value yields -1.
func NormalizePublished(epoch string) int64 {
	epoch = strings.TrimSpace(epoch)
	if epoch == "" {
		return models.PublishedUnknown
	}
	if len(epoch) < 10 {
		return models.PublishedInvalid
	}
	for _, r := range epoch {
		if r < '0' || r > '9' {
			return models.PublishedInvalid
		}
	}
	// integer division by 10^(len-10) keeps the leading ten digits
	n, err := strconv.ParseInt(epoch[:10], 10, 64)
	if err != nil {
		return models.PublishedInvalid
	}
	return n
}

// ExtractOffset reads the offset parameter from a continuation URL. The
// offset is delimited by the following '&'; a trailing offset with no '&'
// after it is treated as absent.
func ExtractOffset(next string) (int64, bool) {
	const key = "offset="
	start := strings.Index(next, key)
	if start == -1 {
		return 0, false
	}
	start += len(key)
	end := strings.Index(next[start:], "&")
	if end == -1 {
		return 0, false
	}
	n, err := strconv.ParseInt(next[start:start+end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DeriveSource names where an item came from: the provider for posts of the
// social provider, otherwise the second-to-last label of the URL host.
func DeriveSource(itemProvider, socialProvider, rawURL string) string {
	if itemProvider != "" && itemProvider == socialProvider {
		return itemProvider
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) < 2 {
		return ""
	}
	return labels[len(labels)-2]
}

// IsSocial reports whether the item belongs to the given social provider.
func IsSocial(item models.RawItem, provider string) bool {
	return item.ExternalProvider == provider
}
