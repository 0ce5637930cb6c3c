package shard

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecshard/model"
	"github.com/vmihailenco/msgpack/v5"
)

// OpKind is the type of a shard operation.
type OpKind uint8

// Operation kinds.
const (
	OpUpsert OpKind = iota + 1
	OpDelete
	OpSetPayload
	OpCreateFieldIndex
	OpDeleteFieldIndex
	OpUpdateParams
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpSetPayload:
		return "set_payload"
	case OpCreateFieldIndex:
		return "create_field_index"
	case OpDeleteFieldIndex:
		return "delete_field_index"
	case OpUpdateParams:
		return "update_params"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// ErrInvalidOperation is returned for malformed operations.
var ErrInvalidOperation = errors.New("shard: invalid operation")

// Operation is one WAL-logged mutation of a shard. It carries everything
// needed to re-apply it; the version it writes is the WAL sequence number it
// was logged under.
type Operation struct {
	Kind    OpKind            `msgpack:"k"`
	Points  []model.Point     `msgpack:"pts,omitempty"`
	IDs     []model.PointID   `msgpack:"ids,omitempty"`
	Payload map[string]any    `msgpack:"pl,omitempty"`
	Index   *model.FieldIndex `msgpack:"fi,omitempty"`
	Field   string            `msgpack:"f,omitempty"`
	Params  map[string]any    `msgpack:"pr,omitempty"`
}

// Upsert returns an operation inserting or replacing points.
func Upsert(points ...model.Point) Operation {
	return Operation{Kind: OpUpsert, Points: points}
}

// Delete returns an operation deleting points.
func Delete(ids ...model.PointID) Operation {
	return Operation{Kind: OpDelete, IDs: ids}
}

// SetPayload returns an operation merging payload into existing points.
func SetPayload(payload map[string]any, ids ...model.PointID) Operation {
	return Operation{Kind: OpSetPayload, IDs: ids, Payload: payload}
}

// CreateFieldIndex returns a schema operation adding a field index.
func CreateFieldIndex(idx model.FieldIndex) Operation {
	return Operation{Kind: OpCreateFieldIndex, Index: &idx}
}

// DeleteFieldIndex returns a schema operation dropping a field index.
func DeleteFieldIndex(field string) Operation {
	return Operation{Kind: OpDeleteFieldIndex, Field: field}
}

// UpdateParams returns an operation merging opaque index/optimizer params.
func UpdateParams(params map[string]any) Operation {
	return Operation{Kind: OpUpdateParams, Params: params}
}

// IsSchema reports whether the operation changes shard-wide state instead
// of individual points.
func (op Operation) IsSchema() bool {
	switch op.Kind {
	case OpCreateFieldIndex, OpDeleteFieldIndex, OpUpdateParams:
		return true
	default:
		return false
	}
}

// Keys returns the ids of the points the operation touches.
func (op Operation) Keys() []model.PointID {
	if op.Kind == OpUpsert {
		ids := make([]model.PointID, len(op.Points))
		for i, p := range op.Points {
			ids[i] = p.ID
		}
		return ids
	}
	return op.IDs
}

// Validate checks the operation is well formed.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpUpsert:
		if len(op.Points) == 0 {
			return fmt.Errorf("%w: upsert without points", ErrInvalidOperation)
		}
	case OpDelete:
		if len(op.IDs) == 0 {
			return fmt.Errorf("%w: delete without ids", ErrInvalidOperation)
		}
	case OpSetPayload:
		if len(op.IDs) == 0 {
			return fmt.Errorf("%w: set_payload without ids", ErrInvalidOperation)
		}
	case OpCreateFieldIndex:
		if op.Index == nil || op.Index.Field == "" {
			return fmt.Errorf("%w: field index without field", ErrInvalidOperation)
		}
		if !op.Index.Kind.Valid() {
			return fmt.Errorf("%w: unknown index kind %q", ErrInvalidOperation, op.Index.Kind)
		}
	case OpDeleteFieldIndex:
		if op.Field == "" {
			return fmt.Errorf("%w: delete field index without field", ErrInvalidOperation)
		}
	case OpUpdateParams:
		if len(op.Params) == 0 {
			return fmt.Errorf("%w: empty params", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// codecVersion prefixes every encoded operation.
const codecVersion byte = 1

// Encode serializes an operation for the WAL.
func Encode(op Operation) ([]byte, error) {
	b, err := msgpack.Marshal(&op)
	if err != nil {
		return nil, err
	}
	return append([]byte{codecVersion}, b...), nil
}

// Decode deserializes an operation written by Encode.
func Decode(data []byte) (Operation, error) {
	if len(data) == 0 {
		return Operation{}, fmt.Errorf("%w: empty payload", ErrInvalidOperation)
	}
	if data[0] != codecVersion {
		return Operation{}, fmt.Errorf("%w: codec version %d", ErrInvalidOperation, data[0])
	}
	var op Operation
	if err := msgpack.Unmarshal(data[1:], &op); err != nil {
		return Operation{}, fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}
	return op, nil
}
