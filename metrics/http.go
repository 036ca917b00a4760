package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// exportDoc is the JSON shape served at /metrics.
type exportDoc struct {
	NodeID   string             `json:"node_id"`
	Counters map[string]float64 `json:"counters"`
	Gauges   map[string]float64 `json:"gauges"`
	Recent   []Sample           `json:"recent"`
}

// Handler builds the /metrics HTTP route for sink, wrapped with access
// logging and permissive CORS so a browser-based collector can scrape it
// directly.
func Handler(sink *Sink, nodeID string, accessLog func(string)) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		counters, gauges, recent := sink.Snapshot()
		doc := exportDoc{NodeID: nodeID, Counters: counters, Gauges: gauges, Recent: recent}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}).Methods(http.MethodGet)

	logged := handlers.CombinedLoggingHandler(accessLogWriter{accessLog}, r)
	return cors.Default().Handler(logged)
}

// accessLogWriter adapts a func(string) sink into an io.Writer so
// gorilla/handlers' combined log format can be routed through the
// process logger instead of directly to a file.
type accessLogWriter struct {
	log func(string)
}

func (w accessLogWriter) Write(p []byte) (int, error) {
	if w.log != nil {
		w.log(string(p))
	}
	return len(p), nil
}
