package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/fault"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix  = "JOB#"
	skMeta    = "META"
	skPackage = "PKG#"
	skCleanup = "CLEANUP"

	// cleanupIndex is the sparse GSI holding unexecuted cleanup records.
	cleanupIndex   = "GSI1"
	cleanupPending = "CLEANUP#PENDING"

	// maxBatchWrite is the DynamoDB BatchWriteItem limit per call.
	maxBatchWrite = 25
	// maxUnprocessedRetries bounds resubmission of throttled batch items.
	maxUnprocessedRetries = 5
)

// gsiTimeFormat is fixed width so that due times sort lexically.
const gsiTimeFormat = "2006-01-02T15:04:05Z"

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore implements Store on a single DynamoDB table.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
	backoff   time.Duration
}

// Compile-time interface check.
var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
		backoff:   100 * time.Millisecond,
	}
}

// --- Internal helpers ---

func jobPK(jobID string) string { return pkPrefix + jobID }

func packageSK(number int) string { return fmt.Sprintf("%s%05d", skPackage, number) }

func packageNumber(sk string) (int, error) {
	return strconv.Atoi(strings.TrimPrefix(sk, skPackage))
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func num[T int | int64](v T) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(v), 10)}
}

func (s *DynamoStore) expiresAt() types.AttributeValue {
	return num(s.now().Add(RecordTTL).Unix())
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func isTransactionConflict(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// translate maps SDK errors onto the fault taxonomy. A missing table is
// ErrPersistenceUnavailable; anything else is retryable.
func translate(op, pk, sk string, err error) error {
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("%s PK=%s SK=%s: %w: %v", op, pk, sk, ErrPersistenceUnavailable, err)
	}
	return fault.Transient(fmt.Sprintf("%s PK=%s SK=%s", op, pk, sk), err)
}

// marshalItem marshals a record and adds key and TTL attributes.
func (s *DynamoStore) marshalItem(pk, sk string, data any) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = str(pk)
	item["SK"] = str(sk)
	item["expiresAt"] = s.expiresAt()
	return item, nil
}

// getItem reads a single item and unmarshals it into out. Returns false if
// the item does not exist.
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out any) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, translate("GetItem", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// query pages through every item matching in.
func (s *DynamoStore) query(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var all []map[string]types.AttributeValue
	for {
		result, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, translate("Query", aws.ToString(in.IndexName), aws.ToString(in.KeyConditionExpression), err)
		}
		all = append(all, result.Items...)
		if result.LastEvaluatedKey == nil {
			return all, nil
		}
		in.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

// batchPut writes items in chunks of 25, resubmitting unprocessed items.
func (s *DynamoStore) batchPut(ctx context.Context, items []map[string]types.AttributeValue) error {
	for i := 0; i < len(items); i += maxBatchWrite {
		end := min(i+maxBatchWrite, len(items))
		requests := make([]types.WriteRequest, 0, end-i)
		for _, item := range items[i:end] {
			requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		pending := map[string][]types.WriteRequest{s.tableName: requests}
		for attempt := 0; len(pending[s.tableName]) > 0; attempt++ {
			if attempt > maxUnprocessedRetries {
				return fault.Transient("BatchWriteItem", fmt.Errorf("%d items unprocessed", len(pending[s.tableName])))
			}
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.backoff * time.Duration(attempt)):
				}
			}
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return translate("BatchWriteItem", s.tableName, fmt.Sprintf("%d items", len(pending[s.tableName])), err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

// --- Job operations ---

func (s *DynamoStore) CreateJob(ctx context.Context, job *Job, pkgs []*Package) error {
	pk := jobPK(job.ID)
	job.State = JobProcessing
	item, err := s.marshalItem(pk, skMeta, job)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("job %s already exists: %w", job.ID, ErrInvalidTransition)
	}
	if err != nil {
		return translate("PutItem", pk, skMeta, err)
	}

	items := make([]map[string]types.AttributeValue, 0, len(pkgs))
	for _, p := range pkgs {
		p.State = PackagePending
		it, err := s.marshalItem(pk, packageSK(p.Number), p)
		if err != nil {
			return err
		}
		items = append(items, it)
	}
	if err := s.batchPut(ctx, items); err != nil {
		return err
	}
	log.Debug().
		Str("jobId", job.ID).
		Int("packages", len(pkgs)).
		Dur("duration", time.Since(start)).
		Msg("Job persisted to DynamoDB")
	return nil
}

func (s *DynamoStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	found, err := s.getItem(ctx, jobPK(jobID), skMeta, &job)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	job.ID = jobID
	return &job, nil
}

func (s *DynamoStore) FailJob(ctx context.Context, jobID, reason string, at time.Time) error {
	pk := jobPK(jobID)
	finished, err := attributevalue.Marshal(at)
	if err != nil {
		return fmt.Errorf("marshal finishedAt: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyOf(pk, skMeta),
		UpdateExpression:    aws.String("SET #state = :failed, #error = :reason, finishedAt = :at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #state = :processing"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
			"#error": "error",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":     str(string(JobFailed)),
			":processing": str(string(JobProcessing)),
			":reason":     str(reason),
			":at":         finished,
		},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("fail job %s: %w", jobID, ErrInvalidTransition)
	}
	if err != nil {
		return translate("UpdateItem", pk, skMeta, err)
	}
	log.Debug().Str("jobId", jobID).Msg("Job marked failed")
	return nil
}

// --- Package operations ---

func (s *DynamoStore) unmarshalPackage(jobID string, item map[string]types.AttributeValue) (*Package, error) {
	var p Package
	if err := attributevalue.UnmarshalMap(item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal package: %w", err)
	}
	sk, ok := item["SK"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("package item has no SK")
	}
	n, err := packageNumber(sk.Value)
	if err != nil {
		return nil, fmt.Errorf("parse package SK %q: %w", sk.Value, err)
	}
	p.JobID = jobID
	p.Number = n
	return &p, nil
}

func (s *DynamoStore) GetPackage(ctx context.Context, jobID string, number int) (*Package, error) {
	pk, sk := jobPK(jobID), packageSK(number)
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, translate("GetItem", pk, sk, err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("package %s/%d: %w", jobID, number, ErrNotFound)
	}
	return s.unmarshalPackage(jobID, result.Item)
}

func (s *DynamoStore) ListPackages(ctx context.Context, jobID string) ([]*Package, error) {
	items, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(jobPK(jobID)),
			":prefix": str(skPackage),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Package, 0, len(items))
	for _, item := range items {
		p, err := s.unmarshalPackage(jobID, item)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *DynamoStore) ClaimPackage(ctx context.Context, jobID string, number int, now, leaseUntil time.Time) (*Package, error) {
	pk, sk := jobPK(jobID), packageSK(number)
	// FinishPackage rejects packages of a closed job, so a claim there would
	// leave the package running for good.
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != JobProcessing {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.State, ErrInvalidTransition)
	}

	updated, err := attributevalue.Marshal(now)
	if err != nil {
		return nil, fmt.Errorf("marshal updatedAt: %w", err)
	}
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key:       keyOf(pk, sk),
		UpdateExpression: aws.String(
			"SET #state = :running, leaseExpiresAt = :lease, updatedAt = :updated, " +
				"attempts = if_not_exists(attempts, :zero) + :one"),
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND (#state = :pending OR (#state = :running AND leaseExpiresAt < :now))"),
		ExpressionAttributeNames: map[string]string{"#state": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":running": str(string(PackageRunning)),
			":pending": str(string(PackagePending)),
			":lease":   num(leaseUntil.Unix()),
			":now":     num(now.Unix()),
			":updated": updated,
			":zero":    num(0),
			":one":     num(1),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil, claimRejected(jobID, number, ccf.Item)
	}
	if err != nil {
		return nil, translate("UpdateItem", pk, sk, err)
	}
	if out.Attributes == nil {
		return nil, fmt.Errorf("claim package %s/%d: no attributes returned", jobID, number)
	}
	return s.unmarshalPackage(jobID, out.Attributes)
}

// claimRejected classifies a failed claim from the item as it was.
func claimRejected(jobID string, number int, old map[string]types.AttributeValue) error {
	if old == nil {
		return fmt.Errorf("package %s/%d: %w", jobID, number, ErrNotFound)
	}
	state, _ := old["state"].(*types.AttributeValueMemberS)
	if state != nil && state.Value == string(PackageRunning) {
		return fmt.Errorf("claim package %s/%d: %w", jobID, number, ErrLeased)
	}
	return fmt.Errorf("claim package %s/%d: %w", jobID, number, ErrInvalidTransition)
}

func (s *DynamoStore) FinishPackage(ctx context.Context, jobID string, number int, f Finish, at time.Time) (*Job, error) {
	if !f.State.Terminal() {
		return nil, fmt.Errorf("finish with %s: %w", f.State, ErrInvalidTransition)
	}
	pk, sk := jobPK(jobID), packageSK(number)
	stats, err := attributevalue.Marshal(f.Stats)
	if err != nil {
		return nil, fmt.Errorf("marshal stats: %w", err)
	}
	updated, err := attributevalue.Marshal(at)
	if err != nil {
		return nil, fmt.Errorf("marshal updatedAt: %w", err)
	}

	jobUpdate := "ADD packagesFailed :one"
	jobValues := map[string]types.AttributeValue{
		":one":        num(1),
		":processing": str(string(JobProcessing)),
	}
	if f.State == PackageCompleted {
		jobUpdate = "ADD packagesCompleted :one, itemsProcessed :items"
		jobValues[":items"] = num(f.Items)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:           &s.tableName,
				Key:                 keyOf(pk, sk),
				UpdateExpression:    aws.String("SET #state = :state, stats = :stats, updatedAt = :updated, #error = :error REMOVE leaseExpiresAt"),
				ConditionExpression: aws.String("#state = :running"),
				ExpressionAttributeNames: map[string]string{
					"#state": "state",
					"#error": "error",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":state":   str(string(f.State)),
					":running": str(string(PackageRunning)),
					":stats":   stats,
					":updated": updated,
					":error":   str(f.Error),
				},
			}},
			{Update: &types.Update{
				TableName:                 &s.tableName,
				Key:                       keyOf(pk, skMeta),
				UpdateExpression:          aws.String(jobUpdate),
				ConditionExpression:       aws.String("#state = :processing"),
				ExpressionAttributeNames:  map[string]string{"#state": "state"},
				ExpressionAttributeValues: jobValues,
			}},
		},
	})
	if isTransactionConflict(err) {
		return nil, fmt.Errorf("finish package %s/%d: %w", jobID, number, ErrInvalidTransition)
	}
	if err != nil {
		return nil, translate("TransactWriteItems", pk, sk, err)
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != JobProcessing || job.Terminated() < job.TotalPackages {
		return job, nil
	}
	return s.completeJob(ctx, job, at)
}

// completeJob finishes a job whose packages are all terminal. Losing the
// race to another finisher is not an error.
func (s *DynamoStore) completeJob(ctx context.Context, job *Job, at time.Time) (*Job, error) {
	pk := jobPK(job.ID)
	summary := summarize(job)
	summaryAV, err := attributevalue.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	finished, err := attributevalue.Marshal(at)
	if err != nil {
		return nil, fmt.Errorf("marshal finishedAt: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      keyOf(pk, skMeta),
		UpdateExpression:         aws.String("SET #state = :completed, finishedAt = :at, summary = :summary"),
		ConditionExpression:      aws.String("#state = :processing"),
		ExpressionAttributeNames: map[string]string{"#state": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed":  str(string(JobCompleted)),
			":processing": str(string(JobProcessing)),
			":at":         finished,
			":summary":    summaryAV,
		},
	})
	if isConditionFailed(err) {
		return s.GetJob(ctx, job.ID)
	}
	if err != nil {
		return nil, translate("UpdateItem", pk, skMeta, err)
	}
	job.State = JobCompleted
	job.FinishedAt = &at
	job.Summary = summary
	log.Info().
		Str("jobId", job.ID).
		Int("packagesCompleted", job.PackagesCompleted).
		Int("packagesFailed", job.PackagesFailed).
		Msg("Job completed")
	return job, nil
}

// --- Cleanup operations ---

func (s *DynamoStore) PutCleanup(ctx context.Context, rec *CleanupRecord) (*CleanupRecord, error) {
	pk := jobPK(rec.JobID)
	item, err := s.marshalItem(pk, skCleanup, rec)
	if err != nil {
		return nil, err
	}
	if !rec.Executed {
		item["GSI1PK"] = str(cleanupPending)
		item["GSI1SK"] = str(rec.ScheduledFor.UTC().Format(gsiTimeFormat) + "#" + rec.JobID)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if isConditionFailed(err) {
		return s.GetCleanup(ctx, rec.JobID)
	}
	if err != nil {
		return nil, translate("PutItem", pk, skCleanup, err)
	}
	c := *rec
	return &c, nil
}

func (s *DynamoStore) GetCleanup(ctx context.Context, jobID string) (*CleanupRecord, error) {
	var rec CleanupRecord
	found, err := s.getItem(ctx, jobPK(jobID), skCleanup, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("cleanup %s: %w", jobID, ErrNotFound)
	}
	rec.JobID = jobID
	return &rec, nil
}

func (s *DynamoStore) MarkCleanupExecuted(ctx context.Context, jobID string, files int, freed int64, at time.Time) (bool, error) {
	pk := jobPK(jobID)
	executed, err := attributevalue.Marshal(at)
	if err != nil {
		return false, fmt.Errorf("marshal executedAt: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key:       keyOf(pk, skCleanup),
		UpdateExpression: aws.String(
			"SET executed = :true, executedAt = :at, filesDeleted = :files, freedBytes = :freed REMOVE GSI1PK, GSI1SK"),
		ConditionExpression: aws.String("attribute_exists(PK) AND executed = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":at":    executed,
			":files": num(files),
			":freed": num(freed),
		},
	})
	if isConditionFailed(err) {
		if _, getErr := s.GetCleanup(ctx, jobID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	if err != nil {
		return false, translate("UpdateItem", pk, skCleanup, err)
	}
	return true, nil
}

func (s *DynamoStore) DueCleanups(ctx context.Context, now time.Time) ([]*CleanupRecord, error) {
	// "~" sorts after "#", so every record due within the current second
	// is included.
	upper := now.UTC().Format(gsiTimeFormat) + "~"
	items, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(cleanupIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pending AND GSI1SK <= :upper"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": str(cleanupPending),
			":upper":   str(upper),
		},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*CleanupRecord, 0, len(items))
	for _, item := range items {
		var rec CleanupRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal cleanup: %w", err)
		}
		if pk, ok := item["PK"].(*types.AttributeValueMemberS); ok {
			rec.JobID = strings.TrimPrefix(pk.Value, pkPrefix)
		}
		if rec.Executed {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
