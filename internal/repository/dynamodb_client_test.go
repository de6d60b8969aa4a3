package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"pediatric-assistant/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	updateErr    error
	queryOut     *dynamodb.QueryOutput
	queryErr     error
	txErr        error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	lastQueryIn  *dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var fixedNow = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func sampleContext() *domain.ConversationContext {
	cc := domain.NewConversationContext("abc", "u1", fixedNow)
	cc.State = domain.StateCollectingSlots
	cc.Entities = domain.Entities{"symptom": "fever", "allergies": []string{"peanuts"}}
	cc.Version = 3
	return cc
}

func contextItem(t *testing.T, cc *domain.ConversationContext) map[string]types.AttributeValue {
	t.Helper()
	body, err := json.Marshal(cc)
	require.NoError(t, err)
	item := key(convPK(cc.ConversationID), skMeta)
	item["body"] = strS(string(body))
	item["version"] = numN(cc.Version)
	return item
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestGetContext_HappyPath(t *testing.T) {
	want := sampleContext()
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: contextItem(t, want)}}
	c := mustNewClient(t, db)

	got, err := c.GetContext(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, want.Entities, got.Entities)
	require.Equal(t, int64(3), got.Version)
	require.Equal(t, "CONV#abc", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestGetContext_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	got, err := c.GetContext(context.Background(), "abc")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetContext_MalformedBody(t *testing.T) {
	item := key(convPK("abc"), skMeta)
	item["body"] = strS("{not json")
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	_, err := c.GetContext(context.Background(), "abc")
	require.ErrorContains(t, err, "decode body")
}

func TestPutContext_FirstWriteRequiresAbsence(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	cc := sampleContext()
	cc.Version = 1

	require.NoError(t, c.PutContext(context.Background(), cc, 0))
	require.Equal(t, "attribute_not_exists(PK)", aws.ToString(db.lastPutInput.ConditionExpression))
	require.Equal(t, "1", db.lastPutInput.Item["version"].(*types.AttributeValueMemberN).Value)
	require.Nil(t, db.lastTxInput)
}

func TestPutContext_VersionConflict(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("nope")}}
	c := mustNewClient(t, db)

	err := c.PutContext(context.Background(), sampleContext(), 2)
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	require.Equal(t, "version = :prev", aws.ToString(db.lastPutInput.ConditionExpression))
	require.Equal(t, "2", db.lastPutInput.ExpressionAttributeValues[":prev"].(*types.AttributeValueMemberN).Value)
}

func TestPutContext_SnapshotWrittenWithHistory(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	cc := sampleContext()
	cc.Triage = &domain.TriageSnapshot{Level: domain.LevelObserve, Reason: "r", Action: "a", RuleID: "default_observe", DecidedAt: fixedNow}

	require.NoError(t, c.PutContext(context.Background(), cc, 2))
	require.Len(t, db.lastTxInput.TransactItems, 2)
	hist := db.lastTxInput.TransactItems[1].Put.Item
	require.Equal(t, "TRIAGE#2024-06-01T08:30:00.000000000Z", hist["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "observe", hist["level"].(*types.AttributeValueMemberS).Value)
}

func TestPutContext_TransactConflict(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}, {Code: aws.String("None")}},
	}}
	c := mustNewClient(t, db)
	cc := sampleContext()
	cc.Triage = &domain.TriageSnapshot{Level: domain.LevelObserve, DecidedAt: fixedNow}

	require.ErrorIs(t, c.PutContext(context.Background(), cc, 2), domain.ErrVersionConflict)
}

func TestPutContext_OtherErrorIsWrapped(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("throttled")}
	c := mustNewClient(t, db)
	err := c.PutContext(context.Background(), sampleContext(), 2)
	require.ErrorContains(t, err, "PutContext")
	require.NotErrorIs(t, err, domain.ErrVersionConflict)
}

func TestTriageHistory(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	item := c.triageItem("abc", &domain.TriageSnapshot{Level: domain.LevelUrgent, Reason: "r", RuleID: "x", DecidedAt: fixedNow})
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{item}}}
	c = mustNewClient(t, db)

	got, err := c.TriageHistory(context.Background(), "abc", 5)
	require.NoError(t, err)
	require.Equal(t, []domain.TriageSnapshot{{Level: domain.LevelUrgent, Reason: "r", RuleID: "x", DecidedAt: fixedNow}}, got)
	require.False(t, aws.ToBool(db.lastQueryIn.ScanIndexForward))
	require.Equal(t, int32(5), aws.ToInt32(db.lastQueryIn.Limit))
}

func TestProfile_RoundTripThroughItem(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	p := domain.Profile{UserID: "u1", Facts: map[string]string{"allergies": "penicillin"}, UpdatedAt: fixedNow}

	require.NoError(t, c.PutProfile(context.Background(), p))
	require.Equal(t, "USER#u1", db.lastPutInput.Item["PK"].(*types.AttributeValueMemberS).Value)

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, &p, got)

	require.Error(t, c.PutProfile(context.Background(), domain.Profile{}))
}

func sampleTask() domain.Task {
	return domain.Task{
		ID:             "t1",
		Kind:           "profile_extract",
		ConversationID: "abc",
		UserID:         "u1",
		Payload:        map[string]string{"text": "allergic to eggs"},
		Status:         domain.TaskPending,
		RunAfter:       fixedNow,
		CreatedAt:      fixedNow,
		UpdatedAt:      fixedNow,
	}
}

func TestTask_ItemIndexesOnlyPending(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	task := sampleTask()

	item := c.taskItem(task)
	require.Contains(t, item, "gsi1pk")

	task.Status = domain.TaskCompleted
	item = c.taskItem(task)
	require.NotContains(t, item, "gsi1pk")
	require.NotContains(t, item, "gsi1sk")
}

func TestTask_CreateAndDue(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	task := sampleTask()

	require.NoError(t, c.CreateTask(context.Background(), task))
	db.queryOut = &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{db.lastPutInput.Item}}

	due, err := c.DueTasks(context.Background(), fixedNow, 10)
	require.NoError(t, err)
	require.Equal(t, []domain.Task{task}, due)
	require.Equal(t, taskIndex, aws.ToString(db.lastQueryIn.IndexName))
}

func TestTask_ClaimConflictIsNotAnError(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)

	ok, err := c.ClaimTask(context.Background(), "t1", 0, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "1", db.lastUpdateIn.ExpressionAttributeValues[":next"].(*types.AttributeValueMemberN).Value)

	db.updateErr = nil
	ok, err = c.ClaimTask(context.Background(), "t1", 0, fixedNow.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTask_CancelAndSave(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	ok, err := c.CancelTask(context.Background(), "t1", fixedNow)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, aws.ToString(db.lastUpdateIn.UpdateExpression), "REMOVE gsi1pk, gsi1sk")

	db.updateErr = &types.ConditionalCheckFailedException{}
	ok, err = c.CancelTask(context.Background(), "t1", fixedNow)
	require.NoError(t, err)
	require.False(t, ok)

	db.putErr = &types.ConditionalCheckFailedException{}
	require.NoError(t, c.SaveTask(context.Background(), sampleTask()), "cancelled tasks are left alone")

	db.putErr = errors.New("boom")
	require.ErrorContains(t, c.SaveTask(context.Background(), sampleTask()), "SaveTask")
}

func TestGetTask_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	got, err := c.GetTask(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}
