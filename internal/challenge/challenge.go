package challenge

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fxnlabs/devblas/internal/challenge/challengers"
	"github.com/fxnlabs/devblas/internal/selftest"
	"go.uber.org/zap"
)

// Challenge types.
const (
	TypeTrsm       = "TRSM"
	TypeSelftest   = "SELFTEST"
	TypeDeviceInfo = "DEVICE_INFO"
)

// Challenger defines the interface for a challenge.
type Challenger interface {
	Execute(payload interface{}, log *zap.Logger) (interface{}, error)
}

// Challenge is a unit of work submitted to /challenge.
type Challenge struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewChallenger creates a new challenger based on the challenge type.
func NewChallenger(challengeType string, queue *challengers.SharedQueue, opts selftest.Options) (Challenger, error) {
	switch challengeType {
	case TypeTrsm:
		return challengers.NewTrsmChallenger(queue), nil
	case TypeSelftest:
		return challengers.NewSelftestChallenger(queue, opts), nil
	case TypeDeviceInfo:
		return challengers.NewDeviceInfoChallenger(queue.Queue().Session()), nil
	default:
		return nil, fmt.Errorf("unknown challenge type: %s", challengeType)
	}
}

// ChallengeHandler handles challenge requests.
func ChallengeHandler(log *zap.Logger, queue *challengers.SharedQueue, opts selftest.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var challenge Challenge
		if err := json.NewDecoder(r.Body).Decode(&challenge); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		challenger, err := NewChallenger(challenge.Type, queue, opts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := challenger.Execute(challenge.Payload, log)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Error("Failed to encode challenge result", zap.Error(err))
		}
	}
}
