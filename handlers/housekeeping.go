package handlers

import (
	"context"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/housekeeping"
	"github.com/glimte/mmate-gateway/messaging"
)

type HousekeepingMessage struct {
	contracts.ReplyError
	housekeeping.Options
	Ran bool `json:"ran"`
}

// Housekeeping runs a forced maintenance pass. Only admins may start it.
func (h *Handlers) Housekeeping(ctx context.Context, call *messaging.Call, msg *HousekeepingMessage) error {
	identity, err := caller(call)
	if err != nil {
		return err
	}
	if !identity.HasRoleName(contracts.AdminsName) && !identity.IsAdmin() {
		return contracts.AccessDenied("Access denied")
	}
	msg.Ran, err = h.scheduler.Run(ctx, msg.Options)
	return err
}
