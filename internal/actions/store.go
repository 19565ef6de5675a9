package actions

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/screening-gateway/internal/aws"
)

// Index names on the actions table.
const (
	AppointmentIndex = "appointment-index"  // appointment_id, created_at
	StatusRetryIndex = "status-retry-index" // status, next_retry_at (sparse)
)

// MinRetryInterval is the shortest delay before the sweeper picks up a PENDING
// or FAILED action.
const MinRetryInterval = 30 * time.Second

var (
	// ErrAlreadyExists means the accession number is already taken.
	ErrAlreadyExists = errors.New("accession number already exists")
	// ErrInvalidTransition means the action is not in a status that may move to the target.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound means no action has the given id.
	ErrNotFound = errors.New("action not found")
)

// Store encapsulates operations on the actions and accessions tables.
type Store struct {
	client         aws.DynamoDBAPI
	tableName      string
	accessionTable string
	nowFunc        func() time.Time
}

// NewStore creates a new actions Store.
func NewStore(client aws.DynamoDBAPI, tableName, accessionTable string) *Store {
	return &Store{
		client:         client,
		tableName:      tableName,
		accessionTable: accessionTable,
		nowFunc:        time.Now,
	}
}

// Create persists a PENDING action and reserves its accession number in one
// TransactWriteItems call. A taken accession number yields ErrAlreadyExists
// and writes nothing.
func (s *Store) Create(ctx context.Context, in NewAction) (*Action, error) {
	if !ValidAccession(in.AccessionNumber) {
		return nil, fmt.Errorf("malformed accession number %q", in.AccessionNumber)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Type == "" {
		in.Type = TypeWorklistCreateItem
	}

	now := s.nowFunc().UTC()
	retryAt := now.Add(MinRetryInterval)
	a := Action{
		ID:              in.ID,
		AppointmentID:   in.AppointmentID,
		ProviderID:      in.ProviderID,
		Type:            in.Type,
		Payload:         in.Payload,
		AccessionNumber: in.AccessionNumber,
		Status:          StatusPending,
		NextRetryAt:     &retryAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	actionMap, err := attributevalue.MarshalMap(toItem(a))
	if err != nil {
		return nil, fmt.Errorf("marshal action item: %w", err)
	}
	accessionMap, err := attributevalue.MarshalMap(accessionItem{
		AccessionNumber: a.AccessionNumber,
		ActionID:        a.ID,
		CreatedAt:       now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal accession item: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.accessionTable,
					Item:                accessionMap,
					ConditionExpression: awsString("attribute_not_exists(accession_number)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                actionMap,
					ConditionExpression: awsString("attribute_not_exists(action_id)"),
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return nil, cancellationError(tce, a)
		}
		return nil, fmt.Errorf("transact write: %w", err)
	}
	return &a, nil
}

func cancellationError(tce *types.TransactionCanceledException, a Action) error {
	reasons := tce.CancellationReasons
	if len(reasons) > 1 && conditionFailed(reasons[1]) && !conditionFailed(reasons[0]) {
		return fmt.Errorf("action id %s already exists: %w", a.ID, tce)
	}
	if len(reasons) == 0 || conditionFailed(reasons[0]) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, a.AccessionNumber)
	}
	return fmt.Errorf("transaction canceled: %w", tce)
}

func conditionFailed(r types.CancellationReason) bool {
	return r.Code != nil && *r.Code == "ConditionalCheckFailed"
}

// Get fetches an action by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, actionID string) (*Action, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            actionKey(actionID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it actionItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	a := it.action()
	return &a, nil
}

// Advance moves an action to status `to`, writing exactly the columns that
// belong to the new status in one conditional UpdateItem. The condition only
// admits source statuses that may legally reach `to`, so a concurrent worker
// that advanced the row first turns this call into ErrInvalidTransition.
func (s *Store) Advance(ctx context.Context, a *Action, to string, opts AdvanceOptions) (*Action, error) {
	if !CanAdvance(a.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}

	at := opts.At
	if at.IsZero() {
		at = s.nowFunc()
	}
	at = at.UTC()
	nextRetry := opts.NextRetryAt
	if nextRetry.IsZero() {
		nextRetry = at.Add(MinRetryInterval)
	}

	values := map[string]types.AttributeValue{
		":to": &types.AttributeValueMemberS{Value: to},
		":ua": numberAttr(s.nowFunc().UnixMilli()),
	}
	set := []string{"#s = :to", "updated_at = :ua"}
	var remove []string

	switch to {
	case StatusSent:
		values[":at"] = numberAttr(at.UnixMilli())
		set = append(set, "sent_at = :at")
		remove = append(remove, "next_retry_at")
	case StatusConfirmed:
		values[":at"] = numberAttr(at.UnixMilli())
		set = append(set, "confirmed_at = :at", "sent_at = if_not_exists(sent_at, :at)")
		remove = append(remove, "last_error", "next_retry_at")
	case StatusFailed:
		reason := strings.TrimSpace(opts.Error)
		if reason == "" {
			reason = "unknown error"
		}
		values[":at"] = numberAttr(at.UnixMilli())
		values[":err"] = &types.AttributeValueMemberS{Value: reason}
		values[":nra"] = numberAttr(nextRetry.UnixMilli())
		set = append(set, "failed_at = :at", "last_error = :err", "next_retry_at = :nra")
	case StatusPending:
		values[":zero"] = numberAttr(0)
		values[":one"] = numberAttr(1)
		values[":nra"] = numberAttr(nextRetry.UnixMilli())
		set = append(set, "retry_count = if_not_exists(retry_count, :zero) + :one", "next_retry_at = :nra")
		remove = append(remove, "failed_at")
	}

	update := "SET " + strings.Join(set, ", ")
	if len(remove) > 0 {
		update += " REMOVE " + strings.Join(remove, ", ")
	}

	sources := sourcesOf(to)
	placeholders := make([]string, len(sources))
	for i, from := range sources {
		ph := ":from" + strconv.Itoa(i)
		placeholders[i] = ph
		values[ph] = &types.AttributeValueMemberS{Value: from}
	}
	condition := fmt.Sprintf("attribute_exists(action_id) AND #s IN (%s)", strings.Join(placeholders, ", "))

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                           &s.tableName,
		Key:                                 actionKey(a.ID),
		UpdateExpression:                    &update,
		ConditionExpression:                 &condition,
		ExpressionAttributeNames:            map[string]string{"#s": "status"},
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, a.ID)
			}
			current := "unknown"
			if st, ok := ccf.Item["status"].(*types.AttributeValueMemberS); ok {
				current = st.Value
			}
			return nil, fmt.Errorf("%w: stored status %s -> %s", ErrInvalidTransition, current, to)
		}
		return nil, fmt.Errorf("update item: %w", err)
	}

	var it actionItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	updated := it.action()
	return &updated, nil
}

// Retry moves a FAILED action back to PENDING and increments retry_count.
func (s *Store) Retry(ctx context.Context, a *Action, nextRetryAt time.Time) (*Action, error) {
	return s.Advance(ctx, a, StatusPending, AdvanceOptions{NextRetryAt: nextRetryAt})
}

// DueForRetry yields PENDING and FAILED actions whose next_retry_at is at or
// before now, oldest first. Iteration stops at the first query error, which is
// yielded with a zero Action.
func (s *Store) DueForRetry(ctx context.Context, now time.Time) iter.Seq2[Action, error] {
	return func(yield func(Action, error) bool) {
		var due []Action
		for _, status := range []string{StatusPending, StatusFailed} {
			items, err := s.queryAll(ctx, &dyn.QueryInput{
				TableName:              &s.tableName,
				IndexName:              awsString(StatusRetryIndex),
				KeyConditionExpression: awsString("#s = :s AND next_retry_at <= :now"),
				ExpressionAttributeNames: map[string]string{
					"#s": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":s":   &types.AttributeValueMemberS{Value: status},
					":now": numberAttr(now.UnixMilli()),
				},
			})
			if err != nil {
				yield(Action{}, fmt.Errorf("query %s actions due for retry: %w", status, err))
				return
			}
			due = append(due, items...)
		}

		sort.SliceStable(due, func(i, j int) bool {
			if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
				return due[i].CreatedAt.Before(due[j].CreatedAt)
			}
			return due[i].ID < due[j].ID
		})
		for _, a := range due {
			if !yield(a, nil) {
				return
			}
		}
	}
}

// GetForAppointment returns the most recently created action of the given
// type for an appointment. Returns (nil, nil) if there is none.
func (s *Store) GetForAppointment(ctx context.Context, appointmentID, actionType string) (*Action, error) {
	input := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(AppointmentIndex),
		KeyConditionExpression: awsString("appointment_id = :a"),
		FilterExpression:       awsString("#t = :t"),
		ExpressionAttributeNames: map[string]string{
			"#t": "type",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a": &types.AttributeValueMemberS{Value: appointmentID},
			":t": &types.AttributeValueMemberS{Value: actionType},
		},
		ScanIndexForward: awsBool(false),
	}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query appointment actions: %w", err)
		}
		if len(out.Items) > 0 {
			var it actionItem
			if err := attributevalue.UnmarshalMap(out.Items[0], &it); err != nil {
				return nil, fmt.Errorf("unmarshal action: %w", err)
			}
			a := it.action()
			return &a, nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) queryAll(ctx context.Context, input *dyn.QueryInput) ([]Action, error) {
	var out []Action
	for {
		page, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		var items []actionItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
		for _, it := range items {
			out = append(out, it.action())
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func actionKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"action_id": &types.AttributeValueMemberS{Value: id},
	}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
