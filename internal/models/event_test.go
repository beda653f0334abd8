package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChangeEvent_PartitionKey(t *testing.T) {
	tests := []struct {
		name  string
		event ChangeEvent
		want  string
	}{
		{
			name:  "transaction keyed by account",
			event: ChangeEvent{Model: EntityTransaction, Data: Payload{"id": "tx-1", "account_id": "acc-1"}},
			want:  "acc-1",
		},
		{
			name:  "transaction without account falls back to id",
			event: ChangeEvent{Model: EntityTransaction, Data: Payload{"id": "tx-1"}},
			want:  "tx-1",
		},
		{
			name:  "account keyed by id",
			event: ChangeEvent{Model: EntityAccount, Data: Payload{"id": "acc-1", "owner_id": "user-1"}},
			want:  "acc-1",
		},
		{
			name:  "user keyed by id",
			event: ChangeEvent{Model: EntityUser, Data: Payload{"id": "user-1"}},
			want:  "user-1",
		},
		{
			name:  "no id",
			event: ChangeEvent{Model: EntityUser, Data: Payload{}},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.PartitionKey())
		})
	}
}
