package events

// Credit event types emitted through the outbox.
const (
	EventCreditGranted   = "credit.granted"
	EventCreditPurchased = "credit.purchased"
	EventCreditConsumed  = "credit.consumed"
	EventCreditAdjusted  = "credit.adjusted"
	EventCreditLow       = "credit.low_balance"
	EventAbuseFlagged    = "credit.abuse_flagged"
)

// CreditPayload captures the minimal data consumers need to react to a
// ledger movement.
type CreditPayload struct {
	TransactionID string `json:"transaction_id,omitempty"`
	TenantID      string `json:"tenant_id"`
	Type          string `json:"type,omitempty"`
	ActionKey     string `json:"action_key,omitempty"`
	Amount        int64  `json:"amount"`
	Balance       int64  `json:"balance"`
	ReferenceID   string `json:"reference_id,omitempty"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p CreditPayload) ToMap() map[string]any {
	payload := map[string]any{
		"tenant_id": p.TenantID,
		"amount":    p.Amount,
		"balance":   p.Balance,
	}
	if p.TransactionID != "" {
		payload["transaction_id"] = p.TransactionID
	}
	if p.Type != "" {
		payload["type"] = p.Type
	}
	if p.ActionKey != "" {
		payload["action_key"] = p.ActionKey
	}
	if p.ReferenceID != "" {
		payload["reference_id"] = p.ReferenceID
	}
	return payload
}

// AbusePayload describes an advisory velocity flag.
type AbusePayload struct {
	TenantID  string `json:"tenant_id"`
	Rule      string `json:"rule"`
	ActionKey string `json:"action_key,omitempty"`
	Count     int    `json:"count"`
	WindowMS  int64  `json:"window_ms"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p AbusePayload) ToMap() map[string]any {
	payload := map[string]any{
		"tenant_id": p.TenantID,
		"rule":      p.Rule,
		"count":     p.Count,
		"window_ms": p.WindowMS,
	}
	if p.ActionKey != "" {
		payload["action_key"] = p.ActionKey
	}
	return payload
}
