package filter

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// ToMongo renders expr as a MongoDB query document. Conjunctions are
// flattened into one document; several operators on the same field are
// merged under that field. Field names are prefixed with prefix, e.g.
// "fullDocument." for change stream $match stages. $contains maps to a
// $text search, which ignores the field. The $matches_* operators have no
// Mongo rendering.
func ToMongo(expr Expression, prefix string) (bson.D, error) {
	doc := bson.D{}
	if expr == nil {
		return doc, nil
	}
	if err := insertMongo(&doc, expr, prefix); err != nil {
		return nil, err
	}
	return doc, nil
}

func insertMongo(doc *bson.D, expr Expression, prefix string) error {
	switch e := expr.(type) {
	case Simple:
		switch e.Op {
		case OpLT, OpLTE, OpEQ, OpGT, OpGTE:
			mergeField(doc, prefix+e.Field, bson.E{Key: string(e.Op), Value: toBSON(e.Value)})
		case OpContains:
			setKey(doc, "$text", bson.D{{Key: "$search", Value: toBSON(e.Value)}})
		default:
			return errors.Newf(errors.ErrorTypeUnsupported, "operator %s is not supported by the MongoDB filter backend", e.Op).
				WithDetail("operator", string(e.Op))
		}
	case And:
		for _, c := range e.Children {
			if err := insertMongo(doc, c, prefix); err != nil {
				return err
			}
		}
	}
	return nil
}

func mergeField(doc *bson.D, key string, cond bson.E) {
	for i := range *doc {
		if (*doc)[i].Key != key {
			continue
		}
		if existing, ok := (*doc)[i].Value.(bson.D); ok {
			setKey(&existing, cond.Key, cond.Value)
			(*doc)[i].Value = existing
			return
		}
	}
	*doc = append(*doc, bson.E{Key: key, Value: bson.D{cond}})
}

func setKey(doc *bson.D, key string, value interface{}) {
	for i := range *doc {
		if (*doc)[i].Key == key {
			(*doc)[i].Value = value
			return
		}
	}
	*doc = append(*doc, bson.E{Key: key, Value: value})
}

func toBSON(v interface{}) interface{} {
	if list, ok := v.([]interface{}); ok {
		arr := make(bson.A, len(list))
		for i, item := range list {
			arr[i] = toBSON(item)
		}
		return arr
	}
	return v
}
