package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/xiot/watch/internal/xiot/store"
)

// Item attributes holding the record location. Every other attribute is a
// record field, so records cannot carry fields with these names.
const (
	AttrCategory = "category"
	AttrKey      = "key"

	batchLimit = 25 // BatchWriteItem hard limit
	maxRetries = 3  // retries for UnprocessedItems
)

// DefaultIndexes maps the fields the functions range over to the global
// secondary indexes (partition key "category") that serve them.
var DefaultIndexes = map[string]string{
	"gcp_timestamp": "gcp_timestamp-index",
	"lookupKey":     "lookupKey-index",
	"mac":           "mac-index",
}

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// RecordStore keeps every category in one table keyed by (category, key).
// Changes are observed through DynamoDB Streams, not in process.
type RecordStore struct {
	Client    API
	TableName string
	Indexes   map[string]string

	// backoff is the first retry delay for unprocessed batch items.
	backoff time.Duration
}

func NewRecordStore(client API, table string) *RecordStore {
	return &RecordStore{
		Client:    client,
		TableName: table,
		Indexes:   DefaultIndexes,
		backoff:   100 * time.Millisecond,
	}
}

// NewClient loads the default AWS configuration. A non-empty endpoint
// points the client at DynamoDB Local or another compatible service.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func (s *RecordStore) Get(ctx context.Context, category, key string) (store.Record, error) {
	out, err := s.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.TableName),
		Key:            itemKey(category, key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to get %s: %w", store.Path(category, key), err)
	}
	if len(out.Item) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	rec, err := decodeItem(out.Item)
	if err != nil {
		return store.Record{}, err
	}
	if len(rec.Fields) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *RecordStore) Set(ctx context.Context, category, key string, fields store.Fields) error {
	f := store.NormalizeFields(fields)
	if len(f) == 0 {
		return s.Delete(ctx, category, key)
	}
	item, err := encodeItem(category, key, f)
	if err != nil {
		return err
	}
	if _, err := s.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.TableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to put %s: %w", store.Path(category, key), err)
	}
	return nil
}

// Merge applies fields in one UpdateItem: values are SET, nils are
// REMOVEd, and attributes the patch does not name are left as they are.
func (s *RecordStore) Merge(ctx context.Context, category, key string, fields store.Fields) error {
	in, err := buildMergeUpdate(s.TableName, category, key, fields)
	if err != nil || in == nil {
		return err
	}

	_, err = s.Client.UpdateItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		// Removing fields from a missing record.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to merge %s: %w", store.Path(category, key), err)
	}
	return nil
}

func (s *RecordStore) Push(ctx context.Context, category string, fields store.Fields) (string, error) {
	key, err := store.NewKey()
	if err != nil {
		return "", err
	}
	if err := s.Set(ctx, category, key, fields); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RecordStore) Delete(ctx context.Context, category, key string) error {
	if _, err := s.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.TableName),
		Key:       itemKey(category, key),
	}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", store.Path(category, key), err)
	}
	return nil
}

// Update writes in chunks of 25. Chunks are not atomic with each other: a
// failure part way leaves earlier chunks applied.
func (s *RecordStore) Update(ctx context.Context, category string, updates map[string]store.Fields) error {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	requests := make([]types.WriteRequest, 0, len(keys))
	for _, key := range keys {
		f := store.NormalizeFields(updates[key])
		if len(f) == 0 {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: itemKey(category, key)},
			})
			continue
		}
		item, err := encodeItem(category, key, f)
		if err != nil {
			return err
		}
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}

	for i := 0; i < len(requests); i += batchLimit {
		end := min(i+batchLimit, len(requests))
		if err := s.writeBatchWithRetry(ctx, requests[i:end]); err != nil {
			return fmt.Errorf("update %s: %w", category, err)
		}
	}
	return nil
}

func (s *RecordStore) writeBatchWithRetry(ctx context.Context, requests []types.WriteRequest) error {
	pending := requests

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt-1)) * s.backoff
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		out, err := s.Client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				s.TableName: pending,
			},
		})
		if err != nil {
			return fmt.Errorf("batch write attempt %d failed: %w", attempt+1, err)
		}

		unprocessed := out.UnprocessedItems[s.TableName]
		if len(unprocessed) == 0 {
			return nil
		}
		pending = unprocessed
	}

	return fmt.Errorf("batch write: %d items still unprocessed after %d retries", len(pending), maxRetries)
}

func (s *RecordStore) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	index, indexed := s.Indexes[q.OrderBy]
	if !indexed {
		// No index for this field: read the whole partition and order it here.
		all, err := s.List(ctx, q.Category)
		if err != nil {
			return nil, err
		}
		return store.Select(q, all), nil
	}

	in, err := buildIndexQuery(s.TableName, index, q)
	if err != nil {
		return nil, err
	}

	var recs []store.Record
	p := dynamodb.NewQueryPaginator(s.Client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s by %s: %w", q.Category, q.OrderBy, err)
		}
		for _, item := range page.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		if q.Limit > 0 && len(recs) >= q.Limit {
			break
		}
	}
	return store.Select(q, recs), nil
}

func (s *RecordStore) List(ctx context.Context, category string) ([]store.Record, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.TableName),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": AttrCategory,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: category},
		},
	}

	var recs []store.Record
	p := dynamodb.NewQueryPaginator(s.Client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", category, err)
		}
		for _, item := range page.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			// A merge that removed every field leaves only the key behind.
			if len(rec.Fields) == 0 {
				continue
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// buildIndexQuery turns q into a key condition on the field's index. The
// result is still passed through store.Select, so the condition only has
// to narrow the read.
func buildIndexQuery(table, index string, q store.Query) (*dynamodb.QueryInput, error) {
	names := map[string]string{"#pk": AttrCategory, "#f": q.OrderBy}
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: q.Category},
	}
	cond := "#pk = :pk"

	bind := func(name string, v any) error {
		av, err := attributevalue.Marshal(store.Normalize(v))
		if err != nil {
			return fmt.Errorf("marshal %s bound: %w", q.OrderBy, err)
		}
		values[name] = av
		return nil
	}

	switch {
	case q.EqualTo != nil:
		if err := bind(":eq", q.EqualTo); err != nil {
			return nil, err
		}
		cond += " AND #f = :eq"
	case q.StartAt != nil && q.EndAt != nil:
		if err := bind(":s", q.StartAt); err != nil {
			return nil, err
		}
		if err := bind(":e", q.EndAt); err != nil {
			return nil, err
		}
		cond += " AND #f BETWEEN :s AND :e"
	case q.StartAt != nil:
		if err := bind(":s", q.StartAt); err != nil {
			return nil, err
		}
		cond += " AND #f >= :s"
	case q.EndAt != nil:
		if err := bind(":e", q.EndAt); err != nil {
			return nil, err
		}
		cond += " AND #f <= :e"
	}

	in := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(true),
	}
	if q.Limit > 0 {
		in.Limit = aws.Int32(int32(q.Limit))
	}
	return in, nil
}

// buildMergeUpdate returns the UpdateItem for a merge patch, or nil when the
// patch is empty. A patch that only removes fields is conditioned on the
// item existing so it cannot create an empty record.
func buildMergeUpdate(table, category, key string, fields store.Fields) (*dynamodb.UpdateItemInput, error) {
	fieldNames := make([]string, 0, len(fields))
	for name := range fields {
		if err := checkFieldName(name); err != nil {
			return nil, err
		}
		fieldNames = append(fieldNames, name)
	}
	if len(fieldNames) == 0 {
		return nil, nil
	}
	sort.Strings(fieldNames)

	names := make(map[string]string, len(fieldNames)+1)
	values := make(map[string]types.AttributeValue, len(fieldNames))
	var sets, removes []string
	for i, name := range fieldNames {
		ph := fmt.Sprintf("#f%d", i)
		names[ph] = name

		v := fields[name]
		if v == nil {
			removes = append(removes, ph)
			continue
		}
		av, err := attributevalue.Marshal(store.Normalize(v))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s.%s: %w", store.Path(category, key), name, err)
		}
		vp := fmt.Sprintf(":v%d", i)
		values[vp] = av
		sets = append(sets, ph+" = "+vp)
	}

	var clauses []string
	if len(sets) > 0 {
		clauses = append(clauses, "SET "+strings.Join(sets, ", "))
	}
	if len(removes) > 0 {
		clauses = append(clauses, "REMOVE "+strings.Join(removes, ", "))
	}

	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(table),
		Key:                      itemKey(category, key),
		UpdateExpression:         aws.String(strings.Join(clauses, " ")),
		ExpressionAttributeNames: names,
	}
	if len(values) > 0 {
		in.ExpressionAttributeValues = values
	} else {
		names["#pk"] = AttrCategory
		in.ConditionExpression = aws.String("attribute_exists(#pk)")
	}
	return in, nil
}

func checkFieldName(name string) error {
	if name == AttrCategory || name == AttrKey {
		return fmt.Errorf("%w: %q is reserved", store.ErrInvalidField, name)
	}
	return nil
}

func itemKey(category, key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		AttrCategory: &types.AttributeValueMemberS{Value: category},
		AttrKey:      &types.AttributeValueMemberS{Value: key},
	}
}

func encodeItem(category, key string, f store.Fields) (map[string]types.AttributeValue, error) {
	for name := range f {
		if err := checkFieldName(name); err != nil {
			return nil, err
		}
	}
	item, err := attributevalue.MarshalMap(map[string]any(f))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", store.Path(category, key), err)
	}
	for k, v := range itemKey(category, key) {
		item[k] = v
	}
	return item, nil
}

func decodeItem(item map[string]types.AttributeValue) (store.Record, error) {
	var m map[string]any
	if err := attributevalue.UnmarshalMap(item, &m); err != nil {
		return store.Record{}, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	category, _ := m[AttrCategory].(string)
	key, _ := m[AttrKey].(string)
	delete(m, AttrCategory)
	delete(m, AttrKey)
	return store.Record{
		Category: category,
		Key:      key,
		Fields:   store.NormalizeFields(store.Fields(m)),
	}, nil
}
