package orchestrator

import (
	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// Step is the point at which a request picks up its workflow.
type Step int

const (
	// StepBeginOrder creates a new order.
	StepBeginOrder Step = iota
	// StepPrepareChallenges prepares the challenges of an existing pending order.
	StepPrepareChallenges
	// StepResumeValidation submits the challenges of a paused order.
	StepResumeValidation
	// StepFinalize finalizes an order whose authorizations are all valid.
	StepFinalize
)

func (s Step) String() string {
	switch s {
	case StepBeginOrder:
		return "BeginOrder"
	case StepPrepareChallenges:
		return "PrepareChallenges"
	case StepResumeValidation:
		return "ResumeValidation"
	case StepFinalize:
		return "Finalize"
	}
	return "Unknown"
}

// Order status values reported by the CA.
const (
	orderStatusPending    = "pending"
	orderStatusReady      = "ready"
	orderStatusProcessing = "processing"
	orderStatusValid      = "valid"
)

// Continuation is what survives of an in-flight request between runs.
type Continuation struct {
	OrderURI string
	Paused   bool
}

// ContinuationFor derives the continuation stored on item.
func ContinuationFor(item *common.ManagedCertificate) Continuation {
	return Continuation{
		OrderURI: item.CurrentOrderURI,
		Paused:   item.LastRenewalStatus == common.RequestStatePaused,
	}
}

// NextStep decides where a request resumes. orderStatus is the status of the order
// reloaded from c.OrderURI, empty when it could not be loaded.
func NextStep(c Continuation, orderStatus string) Step {
	if c.OrderURI == "" {
		return StepBeginOrder
	}
	switch orderStatus {
	case orderStatusPending:
		if c.Paused {
			return StepResumeValidation
		}
		return StepPrepareChallenges
	case orderStatusReady, orderStatusProcessing, orderStatusValid:
		return StepFinalize
	}
	return StepBeginOrder
}
