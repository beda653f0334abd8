package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Change event kinds
const (
	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Entity types carried on the change topics
const (
	EntityUser        = "user"
	EntityAccount     = "account"
	EntityTransaction = "transaction"
)

// ChangeEvent is the envelope published for every ledger entity mutation.
// Data is flattened: relations are reduced to identifiers and timestamps
// are RFC 3339 strings.
type ChangeEvent struct {
	EventID    string  `json:"event_id"`
	Event      string  `json:"event"`
	AppLabel   string  `json:"app_label"`
	Model      string  `json:"model"`
	Data       Payload `json:"data"`
	OccurredAt string  `json:"occurred_at"`
	Requeues   int     `json:"requeues,omitempty"`
	// NotBefore holds back a requeued event until its dependency has had
	// time to arrive. Empty means deliver at once.
	NotBefore  string  `json:"not_before,omitempty"`
}

// TopicName returns the durable topic for an entity type.
func TopicName(appLabel, model string) string {
	return fmt.Sprintf("%s_%s_queue", appLabel, model)
}

func (e *ChangeEvent) Topic() string {
	return TopicName(e.AppLabel, e.Model)
}

// PartitionKey groups the events that must stay ordered relative to each
// other: a transaction goes with its account, everything else with itself.
func (e *ChangeEvent) PartitionKey() string {
	if e.Model == EntityTransaction {
		if id, err := e.Data.GetString("account_id"); err == nil && id != "" {
			return id
		}
	}
	id, _ := e.Data.GetString("id")
	return id
}

// DueAt returns when the event may be applied. The zero time means now.
func (e *ChangeEvent) DueAt() time.Time {
	if e.NotBefore == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, e.NotBefore)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DecodeChangeEvent parses an envelope keeping numbers exact.
func DecodeChangeEvent(body []byte) (*ChangeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var event ChangeEvent
	if err := dec.Decode(&event); err != nil {
		return nil, fmt.Errorf("failed to decode change event: %w", err)
	}
	if event.Model == "" || event.Event == "" {
		return nil, fmt.Errorf("change event missing model or event kind")
	}
	if event.Data == nil {
		event.Data = Payload{}
	}
	return &event, nil
}

// FormatTimestamp renders timestamps the way every payload carries them.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Payload is the flattened attribute map of a change event.
type Payload map[string]any

func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Payload) GetString(key string) (string, error) {
	switch v := p[key].(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case nil:
		return "", fmt.Errorf("payload field %q missing", key)
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func (p Payload) GetInt64(key string) (int64, error) {
	switch v := p[key].(type) {
	case json.Number:
		return v.Int64()
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("payload field %q missing", key)
	default:
		return 0, fmt.Errorf("payload field %q has unexpected type %T", key, v)
	}
}

func (p Payload) GetTime(key string) (time.Time, error) {
	s, err := p.GetString(key)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

func AccountPayload(a *Account) Payload {
	return Payload{
		"id":         a.ID,
		"owner_id":   a.OwnerID,
		"balance":    a.Balance,
		"version":    a.Version,
		"updated_at": FormatTimestamp(a.UpdatedAt),
	}
}

func TransactionPayload(t *Transaction) Payload {
	return Payload{
		"id":                t.ID,
		"account_id":        t.AccountID,
		"owner_id":          t.OwnerID,
		"amount":            t.Amount,
		"resulting_balance": t.ResultingBalance,
		"type":              t.Type,
		"description":       t.Description,
		"occurred_at":       FormatTimestamp(t.OccurredAt),
	}
}

func UserPayload(u *User) Payload {
	return Payload{
		"id":         u.ID,
		"username":   u.Username,
		"email":      u.Email,
		"created_at": FormatTimestamp(u.CreatedAt),
	}
}
