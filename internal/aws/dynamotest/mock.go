// Package dynamotest provides an in-memory DynamoDB double for store tests.
//
// It understands the small expression dialect the stores emit: conditions
// joined by AND using attribute_exists, attribute_not_exists, =, <= and IN;
// update expressions with SET (plain values, if_not_exists and +) and REMOVE.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Index describes a global secondary index.
type Index struct {
	Partition string
	Sort      string
}

type table struct {
	key     string
	indexes map[string]Index
	items   map[string]map[string]types.AttributeValue
}

// Mock implements the DynamoDB operations used by the gateway stores.
type Mock struct {
	mu     sync.Mutex
	tables map[string]*table
	fail   map[string]error
	calls  map[string]int

	// PageSize bounds the number of items a Query evaluates per page.
	PageSize int
}

// New returns an empty Mock.
func New() *Mock {
	return &Mock{
		tables:   map[string]*table{},
		fail:     map[string]error{},
		calls:    map[string]int{},
		PageSize: 100,
	}
}

// AddTable registers a table keyed by a single string partition key.
func (m *Mock) AddTable(name, key string, indexes map[string]Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[name] = &table{key: key, indexes: indexes, items: map[string]map[string]types.AttributeValue{}}
}

// FailNext makes the next call to op ("PutItem", "UpdateItem", ...) return err.
func (m *Mock) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

// Calls reports how many times op was invoked.
func (m *Mock) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Item returns a copy of the stored item, or nil.
func (m *Mock) Item(tableName, key string) map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[tableName]
	if !ok {
		return nil
	}
	item, ok := t.items[key]
	if !ok {
		return nil
	}
	return clone(item)
}

// Put stores item directly, bypassing conditions.
func (m *Mock) Put(tableName string, item map[string]types.AttributeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[tableName]
	t.items[stringValue(item[t.key])] = clone(item)
}

// Len reports the number of items in a table.
func (m *Mock) Len(tableName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[tableName]; ok {
		return len(t.items)
	}
	return 0
}

func (m *Mock) enter(op string) error {
	m.calls[op]++
	if err, ok := m.fail[op]; ok {
		delete(m.fail, op)
		return err
	}
	return nil
}

func (m *Mock) table(name *string) (*table, error) {
	if name == nil {
		return nil, errors.New("dynamotest: missing table name")
	}
	t, ok := m.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: name}
	}
	return t, nil
}

func (m *Mock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutItem"); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}
	pk := stringValue(params.Item[t.key])
	if pk == "" {
		return nil, fmt.Errorf("dynamotest: item has no %s", t.key)
	}
	ok, err := evalCondition(params.ConditionExpression, t.items[pk], params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	t.items[pk] = clone(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *Mock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetItem"); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[stringValue(params.Key[t.key])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (m *Mock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}
	pk := stringValue(params.Key[t.key])
	current, exists := t.items[pk]

	ok, err := evalCondition(params.ConditionExpression, current, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		ccf := &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
		if params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld && exists {
			ccf.Item = clone(current)
		}
		return nil, ccf
	}

	next := clone(current)
	if next == nil {
		next = clone(params.Key)
	}
	if params.UpdateExpression != nil {
		if err := applyUpdate(*params.UpdateExpression, next, params.ExpressionAttributeNames, params.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	t.items[pk] = next

	out := &dyn.UpdateItemOutput{}
	switch params.ReturnValues {
	case types.ReturnValueAllNew, types.ReturnValueUpdatedNew:
		out.Attributes = clone(next)
	case types.ReturnValueAllOld:
		out.Attributes = clone(current)
	}
	return out, nil
}

func (m *Mock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	canceled := false
	for i, it := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		p := it.Put
		if p == nil {
			return nil, errors.New("dynamotest: only Put is supported in transactions")
		}
		t, err := m.table(p.TableName)
		if err != nil {
			return nil, err
		}
		ok, err := evalCondition(p.ConditionExpression, t.items[stringValue(p.Item[t.key])], p.ExpressionAttributeNames, p.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			canceled = true
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed")}
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, it := range params.TransactItems {
		t := m.tables[*it.Put.TableName]
		t.items[stringValue(it.Put.Item[t.key])] = clone(it.Put.Item)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (m *Mock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Query"); err != nil {
		return nil, err
	}
	t, err := m.table(params.TableName)
	if err != nil {
		return nil, err
	}
	idx := Index{Partition: t.key}
	if params.IndexName != nil {
		var ok bool
		if idx, ok = t.indexes[*params.IndexName]; !ok {
			return nil, fmt.Errorf("dynamotest: unknown index %s", *params.IndexName)
		}
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.items {
		if _, ok := item[idx.Partition]; !ok {
			continue
		}
		if idx.Sort != "" {
			if _, ok := item[idx.Sort]; !ok {
				continue
			}
		}
		ok, err := evalCondition(params.KeyConditionExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if idx.Sort != "" {
			if c := compare(matched[i][idx.Sort], matched[j][idx.Sort]); c != 0 {
				return c < 0
			}
		}
		return stringValue(matched[i][t.key]) < stringValue(matched[j][t.key])
	})
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		after := stringValue(params.ExclusiveStartKey[t.key])
		for i, item := range matched {
			if stringValue(item[t.key]) == after {
				start = i + 1
				break
			}
		}
	}
	limit := m.PageSize
	if params.Limit != nil && int(*params.Limit) < limit {
		limit = int(*params.Limit)
	}
	end := min(start+limit, len(matched))

	out := &dyn.QueryOutput{}
	for _, item := range matched[start:end] {
		ok, err := evalCondition(params.FilterExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, clone(item))
		}
	}
	if end < len(matched) {
		last := matched[end-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{t.key: last[t.key]}
		if idx.Partition != t.key {
			out.LastEvaluatedKey[idx.Partition] = last[idx.Partition]
		}
		if idx.Sort != "" {
			out.LastEvaluatedKey[idx.Sort] = last[idx.Sort]
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func evalCondition(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(*expr, " AND ") {
		ok, err := evalClause(strings.TrimSpace(clause), item, names, values)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalClause(clause string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if arg, ok := call(clause, "attribute_exists"); ok {
		_, exists := item[resolve(arg, names)]
		return exists, nil
	}
	if arg, ok := call(clause, "attribute_not_exists"); ok {
		_, exists := item[resolve(arg, names)]
		return !exists, nil
	}
	if lhs, rhs, ok := strings.Cut(clause, " IN "); ok {
		got, present := item[resolve(strings.TrimSpace(lhs), names)]
		if !present {
			return false, nil
		}
		list := strings.Trim(strings.TrimSpace(rhs), "()")
		for _, ph := range strings.Split(list, ",") {
			if compare(got, values[strings.TrimSpace(ph)]) == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	for _, op := range []string{" <= ", " = "} {
		if lhs, rhs, ok := strings.Cut(clause, op); ok {
			got, present := item[resolve(strings.TrimSpace(lhs), names)]
			if !present {
				return false, nil
			}
			want, ok := values[strings.TrimSpace(rhs)]
			if !ok {
				return false, fmt.Errorf("dynamotest: missing value %s", rhs)
			}
			c := compare(got, want)
			if op == " = " {
				return c == 0, nil
			}
			return c <= 0, nil
		}
	}
	return false, fmt.Errorf("dynamotest: unsupported condition %q", clause)
}

func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	setPart, removePart := expr, ""
	if i := strings.Index(expr, "REMOVE "); i >= 0 {
		setPart, removePart = expr[:i], expr[i+len("REMOVE "):]
	}
	setPart = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(setPart), "SET "))

	if setPart != "" {
		for _, assignment := range splitTopLevel(setPart) {
			lhs, rhs, ok := strings.Cut(assignment, " = ")
			if !ok {
				return fmt.Errorf("dynamotest: bad assignment %q", assignment)
			}
			v, err := evalOperand(strings.TrimSpace(rhs), item, names, values)
			if err != nil {
				return err
			}
			item[resolve(strings.TrimSpace(lhs), names)] = v
		}
	}
	if removePart != "" {
		for _, p := range strings.Split(removePart, ",") {
			delete(item, resolve(strings.TrimSpace(p), names))
		}
	}
	return nil
}

func evalOperand(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	if lhs, rhs, ok := strings.Cut(expr, " + "); ok {
		a, err := evalOperand(strings.TrimSpace(lhs), item, names, values)
		if err != nil {
			return nil, err
		}
		b, err := evalOperand(strings.TrimSpace(rhs), item, names, values)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(number(a)+number(b), 10)}, nil
	}
	if args, ok := call(expr, "if_not_exists"); ok {
		path, fallback, _ := strings.Cut(args, ",")
		if v, present := item[resolve(strings.TrimSpace(path), names)]; present {
			return v, nil
		}
		return evalOperand(strings.TrimSpace(fallback), item, names, values)
	}
	if strings.HasPrefix(expr, ":") {
		v, ok := values[expr]
		if !ok {
			return nil, fmt.Errorf("dynamotest: missing value %s", expr)
		}
		return v, nil
	}
	v, ok := item[resolve(expr, names)]
	if !ok {
		return nil, fmt.Errorf("dynamotest: attribute %s not present", expr)
	}
	return v, nil
}

func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

func call(expr, fn string) (string, bool) {
	if !strings.HasPrefix(expr, fn+"(") || !strings.HasSuffix(expr, ")") {
		return "", false
	}
	return expr[len(fn)+1 : len(expr)-1], true
}

func resolve(path string, names map[string]string) string {
	if strings.HasPrefix(path, "#") {
		if n, ok := names[path]; ok {
			return n
		}
	}
	return path
}

func compare(a, b types.AttributeValue) int {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		if _, ok := b.(*types.AttributeValueMemberN); !ok {
			return 2
		}
		x, y := number(av), number(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 2
		}
		return strings.Compare(av.Value, bv.Value)
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if ok && av.Value == bv.Value {
			return 0
		}
	}
	return 2
}

func number(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func stringValue(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string { return &s }
