package progress

import (
	"context"
	"errors"
	"time"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
)

// ItemLogger appends to the per-item log.
type ItemLogger interface {
	Append(itemID string, itemType common.LogItemType, msg string) error
}

// Reporter publishes request progress and managed item updates.
type Reporter struct {
	Progress *Broadcaster[common.RequestProgressState]
	Items    *Broadcaster[*common.ManagedCertificate]
	ItemLog  ItemLogger
	Logger   common.LoggerInterface

	now func() time.Time
}

// NewReporter wires a reporter with fresh broadcasters.
func NewReporter(itemLog ItemLogger, logger common.LoggerInterface) *Reporter {
	return &Reporter{
		Progress: NewBroadcaster[common.RequestProgressState](DefaultBuffer),
		Items:    NewBroadcaster[*common.ManagedCertificate](DefaultBuffer),
		ItemLog:  itemLog,
		Logger:   logger,
		now:      time.Now,
	}
}

// Report publishes a progress state for item. With logThis the message also goes to the item log.
func (r *Reporter) Report(item *common.ManagedCertificate, state common.RequestState, msg string, logThis bool, result *common.RequestResult) {
	if item == nil {
		return
	}
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	r.Progress.Publish(item.ID, common.RequestProgressState{
		ManagedItemID: item.ID,
		CurrentState:  state,
		Message:       msg,
		Result:        result,
		Timestamp:     now(),
	})
	if logThis {
		r.Log(item.ID, logItemType(state), msg)
	}
}

// Log appends to the item log. Failures are logged and otherwise ignored.
func (r *Reporter) Log(itemID string, itemType common.LogItemType, msg string) {
	if r.ItemLog == nil || msg == "" {
		return
	}
	if err := r.ItemLog.Append(itemID, itemType, msg); err != nil && r.Logger != nil {
		r.Logger.Warnf("Could not write item log for %s: %v", itemID, err)
	}
}

// ItemUpdated announces a persisted change of item.
func (r *Reporter) ItemUpdated(item *common.ManagedCertificate) {
	if item == nil {
		return
	}
	r.Items.Publish(item.ID, item.Clone())
}

// Subscribe returns the progress events of itemID, or of every item for AllKeys, until ctx ends.
func (r *Reporter) Subscribe(ctx context.Context, itemID string) <-chan common.RequestProgressState {
	return r.Progress.Subscribe(ctx, itemID)
}

// Close ends every subscription.
func (r *Reporter) Close() error {
	return errors.Join(r.Progress.Close(), r.Items.Close())
}

// GetRequestProgressState returns the latest progress of an item.
func (r *Reporter) GetRequestProgressState(itemID string) (common.RequestProgressState, bool) {
	return r.Progress.Latest(itemID)
}

func logItemType(state common.RequestState) common.LogItemType {
	switch state {
	case common.RequestStateError:
		return common.LogItemCertificateRequestFailed
	case common.RequestStatePaused:
		return common.LogItemCertificateRequestAttentionRequired
	case common.RequestStateWarning:
		return common.LogItemGeneralWarning
	}
	return common.LogItemGeneralInfo
}
