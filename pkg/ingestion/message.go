// Package ingestion defines the messages connectors produce and the Ingestor
// that funnels them from many connector goroutines to a single consumer.
package ingestion

import (
	"context"
	"fmt"
	"time"
)

// OpIdentifier orders a message within its source: the transaction it belongs
// to and its position inside that transaction.
type OpIdentifier struct {
	TxID    uint64 `json:"txid"`
	SeqInTx uint64 `json:"seq_in_tx"`
}

// MessageKind distinguishes data from control messages.
type MessageKind int

const (
	// MessageKindOperation carries a row change
	MessageKindOperation MessageKind = iota
	// MessageKindSnapshottingDone marks the end of the initial snapshot
	MessageKindSnapshottingDone
	// MessageKindCommit marks a transaction boundary
	MessageKindCommit
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindOperation:
		return "operation"
	case MessageKindSnapshottingDone:
		return "snapshotting_done"
	case MessageKindCommit:
		return "commit"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// OperationKind is the kind of row change.
type OperationKind int

const (
	OperationInsert OperationKind = iota
	OperationUpdate
	OperationDelete
)

func (k OperationKind) String() string {
	switch k {
	case OperationInsert:
		return "insert"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseOperationKind accepts insert/update/delete and the single-letter
// c/u/d/r forms used by change envelopes.
func ParseOperationKind(s string) (OperationKind, bool) {
	switch s {
	case "insert", "c", "r", "create", "read":
		return OperationInsert, true
	case "update", "u":
		return OperationUpdate, true
	case "delete", "d":
		return OperationDelete, true
	default:
		return 0, false
	}
}

// Record is a row keyed by column name.
type Record map[string]interface{}

// Operation is a single row change. Before is set for updates and deletes,
// After for inserts and updates.
type Operation struct {
	Kind OperationKind `json:"kind"`
	// Table is the source table name
	Table string `json:"table"`
	// TableIndex is the position of the table in the connector's table list,
	// which is also the output port of the connector's source node
	TableIndex int    `json:"table_index"`
	Before     Record `json:"before,omitempty"`
	After      Record `json:"after,omitempty"`
}

// Row returns the row the operation applies: After for inserts and updates,
// Before for deletes.
func (o *Operation) Row() Record {
	if o.Kind == OperationDelete {
		return o.Before
	}
	return o.After
}

// IngestionMessage is what a connector hands to the ingestor.
type IngestionMessage struct {
	Identifier OpIdentifier `json:"identifier"`
	Kind       MessageKind  `json:"kind"`
	Operation  *Operation   `json:"operation,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// NewOperationMessage builds an operation message.
func NewOperationMessage(id OpIdentifier, op Operation) IngestionMessage {
	return IngestionMessage{Identifier: id, Kind: MessageKindOperation, Operation: &op, Timestamp: time.Now()}
}

// NewCommitMessage builds a transaction boundary message.
func NewCommitMessage(id OpIdentifier) IngestionMessage {
	return IngestionMessage{Identifier: id, Kind: MessageKindCommit, Timestamp: time.Now()}
}

// NewSnapshottingDoneMessage builds an end-of-snapshot marker.
func NewSnapshottingDoneMessage(id OpIdentifier) IngestionMessage {
	return IngestionMessage{Identifier: id, Kind: MessageKindSnapshottingDone, Timestamp: time.Now()}
}

// TaggedMessage is a message together with the id of the connector that produced it.
type TaggedMessage struct {
	ConnectorID uint64           `json:"connector_id"`
	Message     IngestionMessage `json:"message"`
}

// Handler accepts tagged messages. The Ingestor is the production Handler.
type Handler interface {
	HandleMessage(ctx context.Context, msg TaggedMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg TaggedMessage) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, msg TaggedMessage) error {
	return f(ctx, msg)
}
