// Package adminhttp exposes a small status/metrics HTTP surface over the
// running consume loop, adapted from the teacher's server/httpsrv package:
// the same gorilla/mux routing and mailgun/manners graceful-shutdown
// scaffolding, generalized from a Kafka REST proxy's produce/consume API
// down to the read-only status surface this engine calls for (SPEC_FULL.md
// §8.5).
package adminhttp

import (
	"encoding/json"
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/mailgun/log"
	"github.com/mailgun/manners"
	"github.com/pkg/errors"

	"github.com/mohitnagrath/kafka-fast/internal/actor"
)

const (
	networkTCP  = "tcp"
	networkUnix = "unix"

	hdrContentType = "Content-Type"
)

// StatusProvider is the subset of the consumer handle the status endpoint
// reports on.
type StatusProvider interface {
	HostName() string
	Topics() []string
}

// T is a graceful HTTP server exposing /status, /metrics and /_ping.
type T struct {
	actorID    *actor.ID
	addr       string
	listener   net.Listener
	httpServer *manners.GracefulServer
	status     StatusProvider
	wg         sync.WaitGroup
	errorCh    chan error
}

// New creates an admin HTTP server that will accept requests at addr.
func New(addr string, status StatusProvider) (*T, error) {
	network := networkUnix
	if strings.Contains(addr, ":") {
		network = networkTCP
	}
	listener, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create listener")
	}
	if network == networkUnix {
		if err := os.Chmod(addr, 0777); err != nil {
			return nil, errors.Wrap(err, "failed to change socket permissions")
		}
	}

	router := mux.NewRouter()
	httpServer := manners.NewWithServer(&http.Server{Handler: router})
	s := &T{
		actorID:    actor.RootID.NewChild(fmt.Sprintf("http://%s", addr)),
		addr:       addr,
		listener:   manners.NewListener(listener),
		httpServer: httpServer,
		status:     status,
		errorCh:    make(chan error, 1),
	}

	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.Handle("/metrics", expvar.Handler()).Methods("GET")
	router.HandleFunc("/_ping", s.handlePing).Methods("GET")
	return s, nil
}

// Start triggers an asynchronous server start. A failure is reported on
// ErrorCh.
func (s *T) Start() {
	actor.Spawn(s.actorID, &s.wg, func() {
		if err := s.httpServer.Serve(s.listener); err != nil {
			s.errorCh <- errors.Wrap(err, "admin HTTP server failed")
		}
	})
}

// ErrorCh returns the channel the server reports a listen/serve failure on.
func (s *T) ErrorCh() <-chan error {
	return s.errorCh
}

// Stop gracefully stops the server: it stops accepting new connections and
// waits for in-flight requests to complete.
func (s *T) Stop() {
	s.httpServer.Close()
	s.wg.Wait()
	close(s.errorCh)
}

type statusResponse struct {
	HostName string   `json:"host_name"`
	Topics   []string `json:"topics"`
}

func (s *T) handleStatus(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	resp := statusResponse{
		HostName: s.status.HostName(),
		Topics:   s.status.Topics(),
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (s *T) handlePing(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func respondWithJSON(w http.ResponseWriter, status int, body interface{}) {
	encodedRes, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		log.Errorf("Failed to send HTTP response: status=%d, body=%v, err=%+v", status, body, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add(hdrContentType, "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(encodedRes); err != nil {
		log.Errorf("Failed to send HTTP response: status=%d, body=%v, err=%+v", status, body, err)
	}
}
