package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrTransferRejected is the failure reported by the simulator when a scripted
// fault is active.
var ErrTransferRejected = errors.New("ledger: transfer rejected")

// Simulator is an in-process ledger used for demos and tests. It validates
// the request, mints a transaction reference and remembers every transfer it
// accepted. Faults can be scripted via SetFailure to exercise the all-or-
// nothing paths of the callers.
type Simulator struct {
	mu        sync.Mutex
	transfers []TransferRequest
	failNext  error
	failAll   error
}

func NewSimulator() *Simulator {
	return &Simulator{}
}

// FailNext makes the next Transfer call fail with err, then clears the fault.
func (s *Simulator) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// SetFailure makes every Transfer call fail with err until reset with nil.
func (s *Simulator) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = err
}

// Transfers returns a copy of the accepted transfer log.
func (s *Simulator) Transfers() []TransferRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TransferRequest(nil), s.transfers...)
}

// Transfer implements Client.
func (s *Simulator) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return TransferResult{}, err
	}
	if req.From == "" || req.To == "" {
		return TransferResult{}, fmt.Errorf("ledger: transfer requires both parties")
	}
	if req.Amount <= 0 {
		return TransferResult{}, fmt.Errorf("ledger: transfer amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return TransferResult{}, s.failAll
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return TransferResult{}, err
	}
	s.transfers = append(s.transfers, req)
	return TransferResult{TxRef: "sim-" + uuid.NewString()}, nil
}
