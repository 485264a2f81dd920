package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/existential-birds/amelia/pkg/lifecycle"
	"github.com/existential-birds/amelia/pkg/store"
)

// errorResponse is the body shape every failed request returns (spec §7).
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// writeError maps err onto the spec §7 error-kind taxonomy and writes the
// corresponding status code and body.
func writeError(w http.ResponseWriter, err error) {
	kind, status, details := classify(err)
	writeJSON(w, status, errorResponse{Error: kind, Message: err.Error(), Details: details})
}

func classify(err error) (kind string, status int, details any) {
	var conflict *store.ConflictError
	var capacity *store.CapacityError
	var invalid *store.InvalidStateError

	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found", http.StatusNotFound, nil
	case errors.Is(err, lifecycle.ErrInvalidWorktree):
		return "validation", http.StatusBadRequest, nil
	case errors.As(err, &conflict):
		return "conflict", http.StatusConflict, map[string]string{
			"worktree_path": conflict.WorktreePath,
			"active_id":     conflict.ActiveID,
		}
	case errors.As(err, &capacity):
		return "capacity", http.StatusTooManyRequests, map[string]int{
			"max_concurrent": capacity.MaxConcurrent,
		}
	case errors.As(err, &invalid):
		return "invalid_state", http.StatusUnprocessableEntity, map[string]string{
			"from":   string(invalid.From),
			"to":     string(invalid.To),
			"reason": invalid.Reason,
		}
	default:
		return "terminal", http.StatusInternalServerError, nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation", Message: message})
}
