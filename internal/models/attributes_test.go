package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAttributes(t *testing.T, raw string) Attributes {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var attrs Attributes
	require.NoError(t, dec.Decode(&attrs))
	return attrs
}

func TestAttributes_Lookup(t *testing.T) {
	attrs := decodeAttributes(t, `{
		"title": "hello",
		"reach": 1200,
		"extra_author_attributes": {"name": "Jane", "gender": "F", "world_data": {"country": "US"}},
		"images": [{"url": "https://img/1"}, {"url": "https://img/2"}],
		"tokens_hashtag": ["#go", "#cloud"],
		"nothing": null
	}`)

	assert.Equal(t, "hello", attrs.String("title"))
	assert.Equal(t, int64(1200), attrs.Int("reach"))
	assert.Equal(t, "1200", attrs.String("reach"))
	assert.Equal(t, "US", attrs.String("extra_author_attributes.world_data.country"))
	assert.Equal(t, "https://img/2", attrs.String("images.1.url"))
	assert.Equal(t, []string{"#go", "#cloud"}, attrs.Strings("tokens_hashtag"))
	assert.Equal(t, "Jane", attrs.Tree("extra_author_attributes").String("name"))

	assert.False(t, attrs.Has("nothing"))
	assert.False(t, attrs.Has("images.5.url"))
	assert.Equal(t, "", attrs.String("missing.path"))
	assert.Equal(t, int64(0), attrs.Int("title"))
	assert.Nil(t, attrs.Tree("title"))
}

func TestAttributes_NilTree(t *testing.T) {
	var attrs Attributes
	_, ok := attrs.Lookup("a")
	assert.False(t, ok)
	assert.Nil(t, attrs.Strings("a"))
}

func TestCreditBudget(t *testing.T) {
	assert.False(t, CreditBudget{Available: 100, Required: -1}.ValidTopic())
	assert.True(t, CreditBudget{Available: 500, Required: 10}.Sufficient())
	assert.False(t, CreditBudget{Available: 100, Required: 150}.Sufficient())
	// zero headroom is not enough
	assert.False(t, CreditBudget{Available: 100, Required: 100}.Sufficient())
}

func TestMergedRecord_InlinesRawItem(t *testing.T) {
	rec := MergedRecord{RawItem: RawItem{Title: "t", ExternalID: "42", Published: 1700000000}}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"external_id":"42"`)
	assert.Contains(t, s, `"published":1700000000`)
	assert.NotContains(t, s, `"post"`)
}
