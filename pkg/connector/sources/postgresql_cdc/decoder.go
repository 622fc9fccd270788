package postgresql_cdc

import (
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

// decoder turns pgoutput messages into ingestion messages. It keeps the
// relation cache and the current transaction position.
type decoder struct {
	typeMap   *pgtype.Map
	relations map[uint32]*pglogrepl.RelationMessage
	// lookup resolves a qualified table name to its position in the
	// connector's table list
	lookup func(schema, table string) (int, string, bool)

	txid uint64
	seq  uint64
}

func newDecoder(lookup func(schema, table string) (int, string, bool)) *decoder {
	return &decoder{
		typeMap:   pgtype.NewMap(),
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		lookup:    lookup,
	}
}

// decode returns the ingestion message for msg, or nil when msg carries
// nothing to push (relation, begin, or a change to an unbound table).
func (d *decoder) decode(msg pglogrepl.Message) (*ingestion.IngestionMessage, error) {
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
		return nil, nil

	case *pglogrepl.BeginMessage:
		d.txid = uint64(m.Xid)
		d.seq = 0
		return nil, nil

	case *pglogrepl.InsertMessage:
		return d.operation(m.RelationID, ingestion.OperationInsert, nil, m.Tuple)

	case *pglogrepl.UpdateMessage:
		return d.operation(m.RelationID, ingestion.OperationUpdate, m.OldTuple, m.NewTuple)

	case *pglogrepl.DeleteMessage:
		return d.operation(m.RelationID, ingestion.OperationDelete, m.OldTuple, nil)

	case *pglogrepl.CommitMessage:
		out := ingestion.NewCommitMessage(d.next())
		out.Timestamp = m.CommitTime
		return &out, nil
	}
	return nil, nil
}

func (d *decoder) next() ingestion.OpIdentifier {
	id := ingestion.OpIdentifier{TxID: d.txid, SeqInTx: d.seq}
	d.seq++
	return id
}

func (d *decoder) operation(relationID uint32, kind ingestion.OperationKind, before, after *pglogrepl.TupleData) (*ingestion.IngestionMessage, error) {
	rel, ok := d.relations[relationID]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeData, "unknown relation ID: %d", relationID)
	}
	index, name, ok := d.lookup(rel.Namespace, rel.RelationName)
	if !ok {
		return nil, nil
	}

	op := ingestion.Operation{Kind: kind, Table: name, TableIndex: index}
	var err error
	if before != nil {
		if op.Before, err = d.tuple(rel, before); err != nil {
			return nil, err
		}
	}
	if after != nil {
		if op.After, err = d.tuple(rel, after); err != nil {
			return nil, err
		}
	}

	out := ingestion.NewOperationMessage(d.next(), op)
	return &out, nil
}

func (d *decoder) tuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (ingestion.Record, error) {
	row := make(ingestion.Record, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		column := rel.Columns[i]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			row[column.Name] = nil
		case pglogrepl.TupleDataTypeToast:
			// unchanged toasted value, not sent
		case pglogrepl.TupleDataTypeText:
			v, err := d.decodeText(col.Data, column.DataType)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode column").
					WithDetail("table", rel.RelationName).
					WithDetail("column", column.Name)
			}
			row[column.Name] = v
		case pglogrepl.TupleDataTypeBinary:
			row[column.Name] = append([]byte(nil), col.Data...)
		}
	}
	return row, nil
}

func (d *decoder) decodeText(data []byte, oid uint32) (interface{}, error) {
	dt, ok := d.typeMap.TypeForOID(oid)
	if !ok {
		return string(data), nil
	}
	v, err := dt.Codec.DecodeValue(d.typeMap, oid, pgtype.TextFormatCode, data)
	if err != nil {
		return nil, err
	}
	return normalizeValue(v), nil
}

// normalizeValue maps pgtype values onto the plain Go types rows carry.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return formatUUID(t)
	default:
		return v
	}
}

func formatUUID(b [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// splitTable splits "schema.table" into its parts, defaulting the schema.
func splitTable(name, defaultSchema string) (string, string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return defaultSchema, name
}
