package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/veighnsche/inferd/internal/pool"
	"github.com/veighnsche/inferd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeJSONErrorPool writes an error payload carrying the pool counters, used
// on backpressure responses so clients can see what they ran into.
func writeJSONErrorPool(w http.ResponseWriter, status int, msg string, occ pool.Occupancy) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: msg,
		Code:  status,
		Pool: &types.PoolOccupancy{
			Available: occ.Available,
			Leased:    occ.Leased,
			Total:     occ.Total,
			Max:       occ.Max,
		},
	})
}
