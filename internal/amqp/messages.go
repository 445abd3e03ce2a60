package amqp

import (
	"encoding/json"
	"time"
)

// Ledger event kinds published when the ledger of an apartment changes.
const (
	EventExpenseCreated   = "expense_created"
	EventExpenseUpdated   = "expense_updated"
	EventExpenseDeleted   = "expense_deleted"
	EventTenantDeleted    = "tenant_deleted"
	EventApartmentDeleted = "apartment_deleted"
)

// LedgerEventMessage tells the statement worker that an apartment's
// ledger changed. It carries only identifiers; the worker reloads the
// current state from the database before exporting.
type LedgerEventMessage struct {
	Kind        string    `json:"kind"`
	ApartmentID int64     `json:"apartment_id"`
	ExpenseID   int64     `json:"expense_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewLedgerEventMessage creates an event for the given apartment.
func NewLedgerEventMessage(kind string, apartmentID, expenseID int64) *LedgerEventMessage {
	return &LedgerEventMessage{
		Kind:        kind,
		ApartmentID: apartmentID,
		ExpenseID:   expenseID,
		Timestamp:   time.Now(),
	}
}

// ToJSON converts the message to JSON bytes.
func (m *LedgerEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerEventMessageFromJSON creates a message from JSON bytes.
func LedgerEventMessageFromJSON(data []byte) (*LedgerEventMessage, error) {
	var msg LedgerEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
