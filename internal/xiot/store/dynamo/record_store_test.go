package dynamo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiot/watch/internal/xiot/store"
)

// fakeTable is an in-memory stand-in for one DynamoDB table. Queries return
// the whole partition; the store narrows the result itself.
type fakeTable struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	queries    []*dynamodb.QueryInput
	batchSizes []int

	// unprocessed is how many items of each BatchWriteItem call to bounce,
	// consumed one entry per call.
	unprocessed []int
	batchErr    error

	// interleave, when set, runs once between the store reading an item
	// and its next write, outside the table lock.
	interleave func()
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
}

func id(item map[string]types.AttributeValue) string {
	c := item[AttrCategory].(*types.AttributeValueMemberS).Value
	k := item[AttrKey].(*types.AttributeValueMemberS).Value
	return c + "/" + k
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	item := f.items[id(in.Key)]
	f.mu.Unlock()

	f.runInterleave()
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeTable) runInterleave() {
	f.mu.Lock()
	hook := f.interleave
	f.interleave = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// UpdateItem understands the "SET #a = :a, ... REMOVE #b, ..." expressions
// the store builds and the attribute_exists(#pk) condition.
func (f *fakeTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.runInterleave()

	f.mu.Lock()
	defer f.mu.Unlock()

	k := id(in.Key)
	item, exists := f.items[k]
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_exists(#pk)" && !exists {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}

	next := make(map[string]types.AttributeValue, len(item)+len(in.Key))
	for a, v := range item {
		next[a] = v
	}
	for a, v := range in.Key {
		next[a] = v
	}

	expr := aws.ToString(in.UpdateExpression)
	setPart, removePart := expr, ""
	if i := strings.Index(expr, "REMOVE "); i >= 0 {
		setPart, removePart = expr[:i], expr[i+len("REMOVE "):]
	}
	setPart = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(setPart), "SET "))
	if setPart != "" {
		for _, assign := range strings.Split(setPart, ", ") {
			lhs, rhs, _ := strings.Cut(assign, " = ")
			next[in.ExpressionAttributeNames[lhs]] = in.ExpressionAttributeValues[rhs]
		}
	}
	if removePart != "" {
		for _, ph := range strings.Split(removePart, ", ") {
			delete(next, in.ExpressionAttributeNames[strings.TrimSpace(ph)])
		}
	}

	f.items[k] = next
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, in)

	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	ids := make([]string, 0, len(f.items))
	for k, item := range f.items {
		if item[AttrCategory].(*types.AttributeValueMemberS).Value == pk {
			ids = append(ids, k)
		}
	}
	sort.Strings(ids)
	out := &dynamodb.QueryOutput{}
	for _, k := range ids {
		out.Items = append(out.Items, f.items[k])
	}
	return out, nil
}

func (f *fakeTable) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}

	var table string
	var reqs []types.WriteRequest
	for t, r := range in.RequestItems {
		table, reqs = t, r
	}
	f.batchSizes = append(f.batchSizes, len(reqs))

	bounce := 0
	if len(f.unprocessed) > 0 {
		bounce, f.unprocessed = min(f.unprocessed[0], len(reqs)), f.unprocessed[1:]
	}
	for _, r := range reqs[:len(reqs)-bounce] {
		switch {
		case r.PutRequest != nil:
			f.items[id(r.PutRequest.Item)] = r.PutRequest.Item
		case r.DeleteRequest != nil:
			delete(f.items, id(r.DeleteRequest.Key))
		}
	}

	out := &dynamodb.BatchWriteItemOutput{}
	if bounce > 0 {
		out.UnprocessedItems = map[string][]types.WriteRequest{table: reqs[len(reqs)-bounce:]}
	}
	return out, nil
}

func newTestStore(t *testing.T) (*RecordStore, *fakeTable) {
	t.Helper()
	ft := newFakeTable()
	rs := NewRecordStore(ft, "records")
	rs.backoff = 0
	return rs, ft
}

// ── Point operations ─────────────────────────────────────────────────────────

func TestRecordStore_SetGetMerge(t *testing.T) {
	rs, _ := newTestStore(t)
	ctx := context.Background()

	_, err := rs.Get(ctx, "module", "AA")
	require.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, rs.Set(ctx, "module", "AA", store.Fields{"mac": "AA", "name": "Door", "lang": "fr"}))
	require.NoError(t, rs.Merge(ctx, "module", "AA", store.Fields{"gcp_timestamp": 1700000000, "lang": nil}))

	rec, err := rs.Get(ctx, "module", "AA")
	require.NoError(t, err)
	assert.Equal(t, "module", rec.Category)
	assert.Equal(t, "AA", rec.Key)
	assert.Equal(t, "Door", rec.Fields.String("name"))
	assert.False(t, rec.Fields.Has("lang"))
	ts, ok := rec.Fields.Int64("gcp_timestamp")
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000), ts)
}

func TestRecordStore_MergeKeepsConcurrentWrite(t *testing.T) {
	rs, ft := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Set(ctx, "module", "AA", store.Fields{"mac": "AA", "name": "Door", "lang": "en"}))

	// The device rewrites its record while the timestamp is being added.
	ft.interleave = func() {
		require.NoError(t, rs.Set(ctx, "module", "AA", store.Fields{"mac": "AA", "name": "Garage", "lang": "fr", "tu": "u", "ta": "a"}))
	}
	require.NoError(t, rs.Merge(ctx, "module", "AA", store.Fields{"gcp_timestamp": 1700000000}))
	assert.Nil(t, ft.interleave, "the device write landed during the merge")

	rec, err := rs.Get(ctx, "module", "AA")
	require.NoError(t, err)
	assert.Equal(t, "Garage", rec.Fields.String("name"))
	assert.Equal(t, "fr", rec.Fields.String("lang"))
	assert.Equal(t, "u", rec.Fields.String("tu"))
	assert.Equal(t, "a", rec.Fields.String("ta"))
	ts, ok := rec.Fields.Int64("gcp_timestamp")
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000), ts)
}

func TestRecordStore_MergeRemoveOnly(t *testing.T) {
	rs, ft := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Merge(ctx, "module", "missing", store.Fields{"name": nil}))
	assert.Empty(t, ft.items, "removing from a missing record creates nothing")

	require.NoError(t, rs.Set(ctx, "module", "AA", store.Fields{"mac": "AA"}))
	require.NoError(t, rs.Merge(ctx, "module", "AA", store.Fields{"mac": nil}))

	_, err := rs.Get(ctx, "module", "AA")
	assert.ErrorIs(t, err, store.ErrNotFound)
	recs, err := rs.List(ctx, "module")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRecordStore_ReservedFieldNames(t *testing.T) {
	rs, ft := newTestStore(t)
	ctx := context.Background()

	err := rs.Set(ctx, "module", "AA", store.Fields{"mac": "AA", AttrKey: "x"})
	assert.ErrorIs(t, err, store.ErrInvalidField)

	err = rs.Merge(ctx, "module", "AA", store.Fields{AttrCategory: "log"})
	assert.ErrorIs(t, err, store.ErrInvalidField)

	_, err = rs.Push(ctx, "ping", store.Fields{AttrKey: "x"})
	assert.ErrorIs(t, err, store.ErrInvalidField)

	assert.Empty(t, ft.items)
}

func TestBuildMergeUpdate_Expression(t *testing.T) {
	in, err := buildMergeUpdate("records", "module", "AA", store.Fields{"name": "Door", "lang": nil, "gcp_timestamp": 5})
	require.NoError(t, err)

	assert.Equal(t, "SET #f0 = :v0, #f2 = :v2 REMOVE #f1", aws.ToString(in.UpdateExpression))
	assert.Equal(t, map[string]string{"#f0": "gcp_timestamp", "#f1": "lang", "#f2": "name"}, in.ExpressionAttributeNames)
	assert.Nil(t, in.ConditionExpression)

	in, err = buildMergeUpdate("records", "module", "AA", store.Fields{})
	require.NoError(t, err)
	assert.Nil(t, in)
}

func TestRecordStore_SetEmptyDeletes(t *testing.T) {
	rs, ft := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rs.Set(ctx, "module", "AA", store.Fields{"mac": "AA"}))
	require.NoError(t, rs.Set(ctx, "module", "AA", store.Fields{}))
	assert.Empty(t, ft.items)
}

// ── Update ───────────────────────────────────────────────────────────────────

func TestRecordStore_Update_ChunksBy25(t *testing.T) {
	rs, ft := newTestStore(t)
	ctx := context.Background()

	updates := make(map[string]store.Fields, 60)
	for i := 0; i < 60; i++ {
		updates[string(rune('A'+i/26))+string(rune('a'+i%26))] = store.Fields{"mac": "AA"}
	}
	require.NoError(t, rs.Update(ctx, "ping", updates))
	assert.Equal(t, []int{25, 25, 10}, ft.batchSizes)
	assert.Len(t, ft.items, 60)
}

func TestRecordStore_Update_RetriesUnprocessed(t *testing.T) {
	rs, ft := newTestStore(t)
	ctx := context.Background()
	ft.unprocessed = []int{2, 1}

	require.NoError(t, rs.Update(ctx, "ping", map[string]store.Fields{
		"a": {"mac": "AA"}, "b": {"mac": "AA"}, "c": {"mac": "AA"},
	}))
	assert.Equal(t, []int{3, 2, 1}, ft.batchSizes)
	assert.Len(t, ft.items, 3)
}

func TestRecordStore_Update_GivesUpAfterRetries(t *testing.T) {
	rs, ft := newTestStore(t)
	ft.unprocessed = []int{1, 1, 1, 1}

	err := rs.Update(context.Background(), "ping", map[string]store.Fields{"a": {"mac": "AA"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still unprocessed")
	assert.Len(t, ft.batchSizes, maxRetries+1)
}

func TestRecordStore_Update_SurfacesClientError(t *testing.T) {
	rs, ft := newTestStore(t)
	ft.batchErr = errors.New("throttled")

	err := rs.Update(context.Background(), "ping", map[string]store.Fields{"a": nil})
	require.Error(t, err)
	assert.ErrorIs(t, err, ft.batchErr)
}

// ── Query ────────────────────────────────────────────────────────────────────

func TestRecordStore_Query_UsesIndex(t *testing.T) {
	rs, ft := newTestStore(t)
	ctx := context.Background()

	for k, v := range map[string]string{"p1": "AA_0000000100", "p2": "AA_0000000200", "p3": "AB_0000000150"} {
		require.NoError(t, rs.Set(ctx, "ping", k, store.Fields{"lookupKey": v}))
	}

	recs, err := rs.Query(ctx, store.Query{
		Category: "ping",
		OrderBy:  "lookupKey",
		StartAt:  "AA_0000000000",
		EndAt:    "AA_0000000150",
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].Key)

	require.Len(t, ft.queries, 1)
	in := ft.queries[0]
	assert.Equal(t, "lookupKey-index", aws.ToString(in.IndexName))
	assert.Equal(t, "#pk = :pk AND #f BETWEEN :s AND :e", aws.ToString(in.KeyConditionExpression))
}

func TestRecordStore_Query_UnindexedFieldReadsPartition(t *testing.T) {
	rs, ft := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, rs.Set(ctx, "alert", "a1", store.Fields{"name": "Door"}))
	require.NoError(t, rs.Set(ctx, "alert", "a2", store.Fields{"name": "Gate"}))

	recs, err := rs.Query(ctx, store.Query{Category: "alert", OrderBy: "name", EqualTo: "Gate"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a2", recs[0].Key)
	assert.Nil(t, ft.queries[0].IndexName)
}

func TestBuildIndexQuery_Conditions(t *testing.T) {
	cases := []struct {
		q    store.Query
		cond string
	}{
		{store.Query{OrderBy: "mac", EqualTo: "AA"}, "#pk = :pk AND #f = :eq"},
		{store.Query{OrderBy: "gcp_timestamp", EndAt: 10}, "#pk = :pk AND #f <= :e"},
		{store.Query{OrderBy: "gcp_timestamp", StartAt: 10}, "#pk = :pk AND #f >= :s"},
		{store.Query{OrderBy: "gcp_timestamp"}, "#pk = :pk"},
	}
	for _, c := range cases {
		c.q.Category = "ping"
		c.q.Limit = 5
		in, err := buildIndexQuery("records", "idx", c.q)
		require.NoError(t, err)
		assert.Equal(t, c.cond, aws.ToString(in.KeyConditionExpression))
		assert.Equal(t, int32(5), aws.ToInt32(in.Limit))
	}
}
