package model

import "fmt"

// CommandType names an inbound operator command.
type CommandType string

const (
	CmdManualClose  CommandType = "manual_close"
	CmdResetAccount CommandType = "reset_account"
	CmdUpdateRisk   CommandType = "update_risk_settings"
)

// Command is an inbound operator command, from the HTTP API or the Redis
// commands channel.
type Command struct {
	Type       CommandType   `json:"type"`
	PositionID string        `json:"position_id,omitempty"`
	Price      float64       `json:"price,omitempty"` // manual close price; 0 uses the last mark
	Risk       *RiskSettings `json:"risk,omitempty"`
}

// Validate checks that the command carries what its type needs.
func (c Command) Validate() error {
	switch c.Type {
	case CmdManualClose:
		if c.PositionID == "" {
			return fmt.Errorf("%w: manual_close requires position_id", ErrInvalidOrder)
		}
		if c.Price < 0 {
			return fmt.Errorf("%w: negative close price", ErrInvalidOrder)
		}
	case CmdResetAccount:
	case CmdUpdateRisk:
		if c.Risk == nil {
			return fmt.Errorf("%w: update_risk_settings requires risk", ErrInvalidOrder)
		}
		if err := c.Risk.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrInvalidOrder, c.Type)
	}
	return nil
}
