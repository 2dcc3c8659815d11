package lookup

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	rdsdatatypes "github.com/aws/aws-sdk-go-v2/service/rdsdata/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/fault"
)

// StatementExecutor is the subset of the RDS Data API client used here.
type StatementExecutor interface {
	ExecuteStatement(ctx context.Context, in *rdsdata.ExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error)
}

// DataAPIStore resolves ids through the Aurora Data API.
type DataAPIStore struct {
	client     StatementExecutor
	clusterARN string
	secretARN  string
	database   string
}

// NewDataAPIStore creates a Data API resolver.
func NewDataAPIStore(client StatementExecutor, clusterARN, secretARN, database string) *DataAPIStore {
	return &DataAPIStore{
		client:     client,
		clusterARN: clusterARN,
		secretARN:  secretARN,
		database:   database,
	}
}

// formatTextArray renders ids as a Postgres array literal.
func formatTextArray(ids []string) string {
	if len(ids) == 0 {
		return "{}"
	}
	escaped := make([]string, len(ids))
	for i, s := range ids {
		escaped[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}

// Resolve implements Resolver.
func (s *DataAPIStore) Resolve(ctx context.Context, ids []string) (map[string][]string, error) {
	found := make(map[string][]string)
	sql := fmt.Sprintf(Query, ":ids::text[]")
	for _, group := range chunks(ids, chunkSize) {
		out, err := s.client.ExecuteStatement(ctx, &rdsdata.ExecuteStatementInput{
			ResourceArn: aws.String(s.clusterARN),
			SecretArn:   aws.String(s.secretARN),
			Database:    aws.String(s.database),
			Sql:         aws.String(sql),
			Parameters: []rdsdatatypes.SqlParameter{
				{Name: aws.String("ids"), Value: &rdsdatatypes.FieldMemberStringValue{Value: formatTextArray(group)}},
			},
		})
		if err != nil {
			log.Error().Err(err).Int("ids", len(group)).Msg("Image lookup failed")
			return nil, fault.Transient("lookup images", err)
		}
		for _, rec := range out.Records {
			if len(rec) < 2 {
				continue
			}
			id, ok1 := stringField(rec[0])
			path, ok2 := stringField(rec[1])
			if !ok1 || !ok2 || path == "" {
				continue
			}
			found[id] = append(found[id], path)
		}
	}
	return complete(ids, found), nil
}

func stringField(f rdsdatatypes.Field) (string, bool) {
	switch v := f.(type) {
	case *rdsdatatypes.FieldMemberStringValue:
		return v.Value, true
	case *rdsdatatypes.FieldMemberLongValue:
		return fmt.Sprint(v.Value), true
	default:
		return "", false
	}
}
