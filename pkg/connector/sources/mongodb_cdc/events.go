package mongodbcdc

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/ajitpratap0/tributary/pkg/filter"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

// changeEvent is the subset of a change stream document the connector reads
type changeEvent struct {
	OperationType            string              `bson:"operationType"`
	ClusterTime              primitive.Timestamp `bson:"clusterTime"`
	FullDocument             bson.M              `bson:"fullDocument,omitempty"`
	FullDocumentBeforeChange bson.M              `bson:"fullDocumentBeforeChange,omitempty"`
	DocumentKey              bson.M              `bson:"documentKey,omitempty"`
	Namespace                namespace           `bson:"ns"`
	TxnNumber                *int64              `bson:"txnNumber,omitempty"`
}

type namespace struct {
	Database   string `bson:"db"`
	Collection string `bson:"coll"`
}

func operationKind(op string) (ingestion.OperationKind, bool) {
	switch op {
	case "insert":
		return ingestion.OperationInsert, true
	case "update", "replace":
		return ingestion.OperationUpdate, true
	case "delete":
		return ingestion.OperationDelete, true
	default:
		return 0, false
	}
}

// documentRow builds the fixed two-column row: the document id and the
// document itself.
func documentRow(key, doc bson.M) ingestion.Record {
	var id interface{}
	if key != nil {
		id = normalize(key["_id"])
	}
	if id == nil && doc != nil {
		id = normalize(doc["_id"])
	}
	var document interface{}
	if doc != nil {
		document = normalize(doc)
	}
	return ingestion.Record{"_id": id, "document": document}
}

// normalize converts BSON values to the plain Go types rows carry
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Decimal128:
		return t.String()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case int32:
		return int64(t)
	case primitive.Binary:
		return t.Data
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		return v
	}
}

// txTracker numbers change events. Events of one multi-document transaction
// share a txid; the commit for a transaction is emitted when the next event
// belongs to a different one. Standalone events are committed immediately.
type txTracker struct {
	txid uint64
	seq  uint64
	open bool
	txn  int64
}

func (t *txTracker) next() ingestion.OpIdentifier {
	id := ingestion.OpIdentifier{TxID: t.txid, SeqInTx: t.seq}
	t.seq++
	return id
}

func (t *txTracker) closeTx() ingestion.IngestionMessage {
	msg := ingestion.NewCommitMessage(t.next())
	t.txid++
	t.seq = 0
	t.open = false
	return msg
}

// messages converts ev into the messages to push, in order.
func (t *txTracker) messages(ev changeEvent, op ingestion.Operation) []ingestion.IngestionMessage {
	var out []ingestion.IngestionMessage
	if t.open && (ev.TxnNumber == nil || *ev.TxnNumber != t.txn) {
		out = append(out, t.closeTx())
	}

	msg := ingestion.NewOperationMessage(t.next(), op)
	if ev.ClusterTime.T > 0 {
		msg.Timestamp = time.Unix(int64(ev.ClusterTime.T), 0)
	}
	out = append(out, msg)

	if ev.TxnNumber != nil {
		t.open = true
		t.txn = *ev.TxnNumber
	} else {
		out = append(out, t.closeTx())
	}
	return out
}

// flush commits a transaction left open, for example when the stream goes idle.
func (t *txTracker) flush() (ingestion.IngestionMessage, bool) {
	if !t.open {
		return ingestion.IngestionMessage{}, false
	}
	return t.closeTx(), true
}

// collectionFilter is how a table filter is applied: pushed into the change
// stream, or evaluated against the document after decoding.
type collectionFilter struct {
	pushdown bson.D
	local    filter.Expression
}

func planFilter(expr filter.Expression) collectionFilter {
	if expr == nil {
		return collectionFilter{}
	}
	// $text is not allowed in a change stream pipeline
	if filter.HasOperator(expr, filter.OpContains) {
		return collectionFilter{local: expr}
	}
	doc, err := filter.ToMongo(expr, "fullDocument.")
	if err != nil {
		return collectionFilter{local: expr}
	}
	return collectionFilter{pushdown: doc}
}

// buildPipeline restricts the database change stream to the bound
// collections and pushes down the filters that translate. Deletes carry no
// full document and always pass.
func buildPipeline(collections []string, filters map[string]collectionFilter) bson.A {
	if len(collections) == 0 {
		return bson.A{}
	}
	or := bson.A{}
	for _, coll := range collections {
		f := filters[coll]
		if f.pushdown == nil {
			or = append(or, bson.D{{Key: "ns.coll", Value: coll}})
			continue
		}
		or = append(or, bson.D{{Key: "ns.coll", Value: coll}, {Key: "operationType", Value: "delete"}})
		match := bson.D{{Key: "ns.coll", Value: coll}}
		match = append(match, f.pushdown...)
		or = append(or, match)
	}
	return bson.A{bson.D{{Key: "$match", Value: bson.D{{Key: "$or", Value: or}}}}}
}
