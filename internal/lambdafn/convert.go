package lambdafn

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"github.com/xiot/watch/internal/xiot/store"
	"github.com/xiot/watch/internal/xiot/store/dynamo"
)

// changeFromRecord maps a stream record to a change event. ok is false for
// records that carry no observable change.
func changeFromRecord(rec events.DynamoDBEventRecord) (ev store.ChangeEvent, ok bool, err error) {
	keys := rec.Change.Keys
	category := attrString(keys[dynamo.AttrCategory])
	key := attrString(keys[dynamo.AttrKey])
	if category == "" || key == "" {
		return ev, false, fmt.Errorf("stream record %s: missing %s/%s key", rec.EventID, dynamo.AttrCategory, dynamo.AttrKey)
	}

	var before, after store.Fields
	switch events.DynamoDBOperationType(rec.EventName) {
	case events.DynamoDBOperationTypeInsert:
		after, err = imageFields(rec.Change.NewImage)
	case events.DynamoDBOperationTypeModify:
		if before, err = imageFields(rec.Change.OldImage); err == nil {
			after, err = imageFields(rec.Change.NewImage)
		}
	case events.DynamoDBOperationTypeRemove:
		before, err = imageFields(rec.Change.OldImage)
		if before == nil {
			// KEYS_ONLY streams carry no image; a removal is still a removal.
			before = store.Fields{}
		}
	default:
		return ev, false, fmt.Errorf("stream record %s: unknown event %q", rec.EventID, rec.EventName)
	}
	if err != nil {
		return ev, false, fmt.Errorf("stream record %s: %w", rec.EventID, err)
	}
	// An item left with only its key attributes no longer holds a record.
	if len(after) == 0 {
		after = nil
	}

	ev, ok = store.Changes(category, key, before, after)
	return ev, ok, nil
}

// imageFields converts an item image to record fields, dropping the key
// attributes. A nil image gives nil fields.
func imageFields(img map[string]events.DynamoDBAttributeValue) (store.Fields, error) {
	if img == nil {
		return nil, nil
	}
	out, err := mapFields(img)
	if err != nil {
		return nil, err
	}
	delete(out, dynamo.AttrCategory)
	delete(out, dynamo.AttrKey)
	return out, nil
}

func mapFields(m map[string]events.DynamoDBAttributeValue) (store.Fields, error) {
	out := make(store.Fields, len(m))
	for name, av := range m {
		v, err := attrValue(av)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		if v != nil {
			out[name] = v
		}
	}
	return out, nil
}

func attrValue(av events.DynamoDBAttributeValue) (any, error) {
	switch av.DataType() {
	case events.DataTypeNull:
		return nil, nil
	case events.DataTypeString:
		return av.String(), nil
	case events.DataTypeNumber:
		return store.Normalize(json.Number(av.Number())), nil
	case events.DataTypeBoolean:
		return av.Boolean(), nil
	case events.DataTypeBinary:
		return av.Binary(), nil
	case events.DataTypeMap:
		return mapFields(av.Map())
	case events.DataTypeList:
		list := av.List()
		out := make([]any, 0, len(list))
		for _, e := range list {
			v, err := attrValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case events.DataTypeStringSet:
		out := make([]any, 0, len(av.StringSet()))
		for _, s := range av.StringSet() {
			out = append(out, s)
		}
		return out, nil
	case events.DataTypeBinarySet:
		out := make([]any, 0, len(av.BinarySet()))
		for _, b := range av.BinarySet() {
			out = append(out, b)
		}
		return out, nil
	case events.DataTypeNumberSet:
		out := make([]any, 0, len(av.NumberSet()))
		for _, n := range av.NumberSet() {
			out = append(out, store.Normalize(json.Number(n)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %d", av.DataType())
	}
}

func attrString(av events.DynamoDBAttributeValue) string {
	if av.DataType() != events.DataTypeString {
		return ""
	}
	return av.String()
}
