package p11token

import (
	"strings"
)

// TokenInfo describes one token visible through the module.
type TokenInfo struct {
	SlotID       uint   `json:"slot_id"`
	Description  string `json:"description,omitempty"`
	Label        string `json:"label,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
	Flags        uint   `json:"flags,omitempty"`
}

// TokensInfo returns the tokens present in the module's slots.
// Slots that fail GetTokenInfo are logged and skipped rather than
// failing the whole listing.
func (l *Lib) TokensInfo() ([]TokenInfo, error) {
	slots, err := l.ctx.GetSlotList(true)
	if err != nil {
		return nil, Classify(err)
	}

	list := make([]TokenInfo, 0, len(slots))
	for _, slotID := range slots {
		si, err := l.ctx.GetSlotInfo(slotID)
		if err != nil {
			return nil, Classify(err)
		}
		ti, err := l.ctx.GetTokenInfo(slotID)
		if err != nil {
			logger.Errorf("reason=GetTokenInfo, slot=%d, description=%q, err=[%v]",
				slotID, si.SlotDescription, err)
			continue
		}
		list = append(list, TokenInfo{
			SlotID:       slotID,
			Description:  strings.TrimSpace(si.SlotDescription),
			Label:        strings.TrimSpace(ti.Label),
			Manufacturer: strings.TrimSpace(ti.ManufacturerID),
			Model:        strings.TrimSpace(ti.Model),
			Serial:       strings.TrimSpace(ti.SerialNumber),
			Flags:        uint(ti.Flags),
		})
	}
	return list, nil
}
