package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAccumulates(t *testing.T) {
	s := NewSink("n0", 10)
	s.Add("messages_sent", 2, 1.0)
	s.Add("messages_sent", 3, 2.0)
	counters, _, _ := s.Snapshot()
	assert.Equal(t, float64(5), counters["messages_sent"])
}

func TestSetOverwrites(t *testing.T) {
	s := NewSink("n0", 10)
	s.Set("cpu_percent", 12.5, 1.0)
	s.Set("cpu_percent", 30.0, 2.0)
	_, gauges, _ := s.Snapshot()
	assert.Equal(t, 30.0, gauges["cpu_percent"])
}

func TestRecentIsBounded(t *testing.T) {
	s := NewSink("n0", 2)
	s.Add("messages_sent", 1, 1.0)
	s.Add("messages_sent", 1, 2.0)
	s.Add("messages_sent", 1, 3.0)
	_, _, recent := s.Snapshot()
	assert.Len(t, recent, 2)
}

func TestHandlerServesJSON(t *testing.T) {
	s := NewSink("n0", 10)
	s.Add("messages_sent", 1, 1.0)
	h := Handler(s, "n0", nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "messages_sent")
}
