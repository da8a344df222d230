package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
)

// ReadyServer serves HTTP 200 once at least one worker is listening.
// Intended for k8s readiness checks.
type ReadyServer struct {
	sync.RWMutex
	isListening map[int]bool
}

// NewReadyServer initializes a ReadyServer. Workers report in through
// SetWorkerReady.
func NewReadyServer() *ReadyServer {
	return &ReadyServer{
		isListening: make(map[int]bool),
	}
}

// SetWorkerReady records that a worker started (or stopped) listening.
func (rs *ReadyServer) SetWorkerReady(workerIndex int, ready bool) {
	rs.Lock()
	defer rs.Unlock()
	rs.isListening[workerIndex] = ready
}

type body struct {
	Status       int `json:"status"`
	ReadyWorkers int `json:"readyWorkers"`
}

// ServeHTTP responds with HTTP 200 if any worker is serving traffic.
func (rs *ReadyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statusCode, readyWorkers := rs.makeResponse()
	w.WriteHeader(statusCode)
	msg, err := json.Marshal(body{
		Status:       statusCode,
		ReadyWorkers: readyWorkers,
	})
	if err == nil {
		_, _ = w.Write(msg)
	}
}

func (rs *ReadyServer) makeResponse() (statusCode, readyWorkers int) {
	statusCode = http.StatusServiceUnavailable
	rs.RLock()
	defer rs.RUnlock()
	for _, ready := range rs.isListening {
		if ready {
			statusCode = http.StatusOK
			readyWorkers++
		}
	}
	return statusCode, readyWorkers
}
