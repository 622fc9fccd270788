package mysqlcdc

import (
	"math"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/ingestion"
)

// rowsDecoder turns binlog rows events into ingestion messages. Transactions
// are numbered locally; an XID event closes the current one.
type rowsDecoder struct {
	// lookup resolves schema and table to the position in the connector's
	// table list and the name to report
	lookup func(schema, table string) (int, string, bool)
	// columns returns column names when the binlog carries no row metadata
	columns func(schema, table string) ([]string, bool)

	txid uint64
	seq  uint64
}

func newRowsDecoder(lookup func(schema, table string) (int, string, bool), columns func(schema, table string) ([]string, bool)) *rowsDecoder {
	return &rowsDecoder{lookup: lookup, columns: columns, txid: 1}
}

func operationKind(t replication.EventType) (ingestion.OperationKind, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return ingestion.OperationInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return ingestion.OperationUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return ingestion.OperationDelete, true
	default:
		return 0, false
	}
}

func (d *rowsDecoder) next() ingestion.OpIdentifier {
	id := ingestion.OpIdentifier{TxID: d.txid, SeqInTx: d.seq}
	d.seq++
	return id
}

// rows converts one rows event. Update events carry before and after images
// as consecutive rows.
func (d *rowsDecoder) rows(eventType replication.EventType, schema, table string, names []string, rows [][]interface{}) ([]ingestion.IngestionMessage, error) {
	kind, ok := operationKind(eventType)
	if !ok {
		return nil, nil
	}
	index, name, ok := d.lookup(schema, table)
	if !ok {
		return nil, nil
	}
	if len(names) == 0 {
		if names, ok = d.columns(schema, table); !ok {
			return nil, errors.Newf(errors.ErrorTypeData, "no column names for %s.%s", schema, table).
				WithDetail("table", name)
		}
	}

	var out []ingestion.IngestionMessage
	for i := 0; i < len(rows); i++ {
		op := ingestion.Operation{Kind: kind, Table: name, TableIndex: index}
		switch kind {
		case ingestion.OperationInsert:
			op.After = toRecord(names, rows[i])
		case ingestion.OperationDelete:
			op.Before = toRecord(names, rows[i])
		case ingestion.OperationUpdate:
			if i+1 >= len(rows) {
				return nil, errors.New(errors.ErrorTypeData, "incomplete update row data").
					WithDetail("table", name)
			}
			op.Before = toRecord(names, rows[i])
			i++
			op.After = toRecord(names, rows[i])
		}
		out = append(out, ingestion.NewOperationMessage(d.next(), op))
	}
	return out, nil
}

// commit closes the current transaction.
func (d *rowsDecoder) commit() ingestion.IngestionMessage {
	msg := ingestion.NewCommitMessage(d.next())
	d.txid++
	d.seq = 0
	return msg
}

func toRecord(names []string, row []interface{}) ingestion.Record {
	rec := make(ingestion.Record, len(row))
	for i, v := range row {
		if i >= len(names) {
			break
		}
		rec[names[i]] = normalizeValue(v)
	}
	return rec
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return strconv.FormatUint(t, 10)
		}
		return int64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// parsePosition parses a "file:pos" binlog position.
func parsePosition(s string) (mysql.Position, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return mysql.Position{}, errors.Newf(errors.ErrorTypeConfig, "invalid position format: %s", s)
	}
	pos, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return mysql.Position{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid position number: "+s[i+1:])
	}
	return mysql.Position{Name: s[:i], Pos: uint32(pos)}, nil
}
