package health

import (
	"context"
	"time"
)

const pingTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Status is the health payload.
type Status struct {
	OK     bool   `json:"ok"`
	Ledger string `json:"ledger"`
	Error  string `json:"error,omitempty"`
}

// Service encapsulates health-related checks.
type Service struct {
	DB Pinger
}

// NewService constructs a new health service. db may be nil when the run
// ledger is kept in memory.
func NewService(db Pinger) *Service {
	return &Service{DB: db}
}

// Status reports whether the run ledger is reachable.
func (s *Service) Status(ctx context.Context) Status {
	if s == nil || s.DB == nil {
		return Status{OK: true, Ledger: "memory"}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.DB.PingContext(ctx); err != nil {
		return Status{OK: false, Ledger: "postgres", Error: err.Error()}
	}
	return Status{OK: true, Ledger: "postgres"}
}
