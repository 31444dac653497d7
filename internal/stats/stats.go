package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const mapName = "chatrelay-stats"

const (
	NumActiveSessions    = "NumActiveSessions"
	NumActiveRooms       = "NumActiveRooms"
	NumMessagesSent      = "NumMessagesSent"
	NumSlowConsumerDrops = "NumSlowConsumerDrops"
	NumRelayFailures     = "NumRelayFailures"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	value int
}

// Handler serves the counters as a flat JSON object.
func (su *StatsUpdater) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		expvarData := make(map[string]any)
		su.vars.Do(func(kv expvar.KeyValue) {
			var value any
			json.Unmarshal([]byte(kv.Value.String()), &value)
			expvarData[kv.Key] = value
		})

		json.NewEncoder(w).Encode(expvarData)
	})
}

// NewStatsUpdater creates the updater with the chat counters registered.
// expvar names are process global, so a second updater shares the map of
// the first.
func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
	}

	if existing, ok := expvar.Get(mapName).(*expvar.Map); ok {
		su.vars = existing
	} else {
		su.vars = expvar.NewMap(mapName)
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	for _, name := range []string{NumActiveSessions, NumActiveRooms, NumMessagesSent, NumSlowConsumerDrops, NumRelayFailures} {
		su.RegisterMetric(name)
	}
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric := su.vars.Get(req.name)
		if metric == nil {
			panic("metric not found: " + req.name)
		}

		metric.(*expvar.Int).Add(int64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

// RegisterMetric adds a counter. Registering an existing name is a no-op.
func (su *StatsUpdater) RegisterMetric(name string) {
	if su.vars.Get(name) != nil {
		return
	}
	su.vars.Set(name, new(expvar.Int))
}

// Value returns the current value of a counter, or 0 if it is unknown.
func (su *StatsUpdater) Value(name string) int64 {
	if v, ok := su.vars.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.updateChan) })
}
