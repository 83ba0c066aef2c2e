package port

import (
	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/service"
)

// EMSControlLogic is the per-battery decision engine driven by the
// controller loop.
type EMSControlLogic interface {
	Plan(input service.TickInput) service.TickDecision
	Commit(input service.TickInput, decision service.TickDecision, results []domain.WriteResult)
	RequestCommission()
	LastMode() uint16
	CurrentBiasW() *float64
}

// ensure interface compliance
var _ EMSControlLogic = (*service.EMSManager)(nil)
