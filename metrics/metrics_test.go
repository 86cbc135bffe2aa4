package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("POST", "/api/purchases", "202", 0.05)
	RecordHTTPRequest("POST", "/api/purchases", "202", 0.02)
	RecordHTTPRequest("POST", "/api/purchases", "400", 0.01)

	assert.Equal(t, float64(2), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/purchases", "202")))
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/api/purchases", "400")))
	assert.Equal(t, 1, testutil.CollectAndCount(HTTPRequestDuration))
}

func TestRecordCredit(t *testing.T) {
	CreditsTotal.Reset()
	CreditedMinorUnits.Reset()

	RecordCredit("basic", "1", "INR", 120)
	RecordCredit("basic", "2", "INR", 16)

	assert.Equal(t, float64(1), testutil.ToFloat64(CreditsTotal.WithLabelValues("basic", "1")))
	assert.Equal(t, float64(136), testutil.ToFloat64(CreditedMinorUnits.WithLabelValues("INR")))
}

func TestRecordEvent(t *testing.T) {
	EventsTotal.Reset()

	RecordEvent("DISTRIBUTED")
	RecordEvent("DISTRIBUTED")
	RecordEvent("PARTIALLY_DISTRIBUTED")

	assert.Equal(t, float64(2), testutil.ToFloat64(EventsTotal.WithLabelValues("DISTRIBUTED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(EventsTotal.WithLabelValues("PARTIALLY_DISTRIBUTED")))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(MissingAncestorsTotal)
	RecordMissingAncestor()
	assert.Equal(t, before+1, testutil.ToFloat64(MissingAncestorsTotal))

	before = testutil.ToFloat64(DuplicateDeliveriesTotal)
	RecordDuplicateDelivery()
	assert.Equal(t, before+1, testutil.ToFloat64(DuplicateDeliveriesTotal))

	RetriesTotal.Reset()
	RecordRetry("credit")
	assert.Equal(t, float64(1), testutil.ToFloat64(RetriesTotal.WithLabelValues("credit")))
}
