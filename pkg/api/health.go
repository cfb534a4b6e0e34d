package api

import (
	"fmt"
	"net/http"

	"github.com/cuemby/pdisk/pkg/metrics"
)

// Unsupported methods are answered with 405 by the mux
func (s *Server) registerHealth() {
	metrics.RegisterComponent("api", true, "")

	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// readyHandler refreshes the storage and driver components before
// reporting readiness
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.probe()
	metrics.ReadyHandler()(w, r)
}

// probe checks that metadata can be read and that the driver can reach the
// content of a volume
func (s *Server) probe() {
	volumes, err := s.store.ListVolumes()
	if err != nil {
		metrics.UpdateComponent("storage", false, fmt.Sprintf("metadata not accessible: %v", err))
	} else {
		metrics.UpdateComponent("storage", true, "")
	}

	// an empty store has no content to open
	if len(volumes) == 0 {
		metrics.UpdateComponent("driver", true, "")
		return
	}
	content, err := s.driver.Open(volumes[0].UUID)
	if err != nil {
		metrics.UpdateComponent("driver", false, fmt.Sprintf("content of %s not accessible: %v", volumes[0].UUID, err))
		return
	}
	content.Close()
	metrics.UpdateComponent("driver", true, "")
}
