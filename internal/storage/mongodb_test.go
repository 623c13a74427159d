package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestMongoRegistry_UsesJSONFieldNames(t *testing.T) {
	rec := sampleRecords()[0]
	raw, err := bson.MarshalWithRegistry(mongoRegistry(), mongoRecord{ID: recordKey(rec), MergedRecord: rec})
	require.NoError(t, err)

	var doc bson.M
	require.NoError(t, bson.Unmarshal(raw, &doc))
	assert.Equal(t, "1", doc["_id"])
	assert.Equal(t, "1", doc["external_id"])
	assert.Equal(t, "twitter", doc["external_provider"])
	assert.Equal(t, int64(1700000000), doc["published"])
	assert.Contains(t, doc, "post")
	assert.NotContains(t, doc, "hydration_error")
	assert.NotContains(t, doc, "rawitem")
}
