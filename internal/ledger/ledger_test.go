package ledger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedger_Counters(t *testing.T) {
	l := New()
	l.SetRequired(150)
	l.AddRetrieved(40)
	l.AddRetrieved(10)
	l.AddEnrichedProvider(3)
	l.AddEnrichmentErrors(2)
	l.AddSaved(5)

	snap := l.Snapshot()
	assert.Equal(t, int64(50), snap.TotalRetrieved)
	assert.Equal(t, int64(3), snap.TotalEnrichedProvider)
	assert.Equal(t, int64(2), snap.EnrichmentErrors)
	assert.Equal(t, int64(5), snap.TotalSaved)
	assert.Equal(t, int64(100), l.Remaining())
	assert.Empty(t, snap.LatestErrors)
}

func TestLedger_RecordErrorKeepsMostRecentTen(t *testing.T) {
	l := New()
	for i := 0; i < 15; i++ {
		l.RecordError(fmt.Sprintf("err-%d", i))
	}

	errs := l.Snapshot().LatestErrors
	assert.Len(t, errs, MaxLatestErrors)
	assert.Equal(t, "err-5", errs[0])
	assert.Equal(t, "err-14", errs[9])
}

func TestLedger_SnapshotIsCopy(t *testing.T) {
	l := New()
	l.RecordError("first")
	snap := l.Snapshot()
	snap.LatestErrors[0] = "mutated"

	assert.Equal(t, "first", l.Snapshot().LatestErrors[0])
}
