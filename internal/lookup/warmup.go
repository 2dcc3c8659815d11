package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/fault"
)

// ClusterAPI is the subset of the RDS client used to wake a paused cluster.
type ClusterAPI interface {
	DescribeDBClusters(ctx context.Context, in *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	StartDBCluster(ctx context.Context, in *rds.StartDBClusterInput, optFns ...func(*rds.Options)) (*rds.StartDBClusterOutput, error)
}

// ErrClusterStarting means the cluster was asleep and has been asked to start.
var ErrClusterStarting = errors.New("database cluster is starting")

// ClusterWarmer makes sure the lookup cluster is running before queries.
type ClusterWarmer struct {
	client    ClusterAPI
	clusterID string
}

// NewClusterWarmer accepts a cluster identifier or ARN.
func NewClusterWarmer(client ClusterAPI, cluster string) *ClusterWarmer {
	id := cluster
	if idx := strings.LastIndex(cluster, ":"); idx >= 0 && idx < len(cluster)-1 {
		id = cluster[idx+1:]
	}
	return &ClusterWarmer{client: client, clusterID: id}
}

// EnsureAvailable returns nil when the cluster accepts queries. A stopped
// cluster is started and a TransientError wrapping ErrClusterStarting is
// returned so the trigger is redelivered later.
func (w *ClusterWarmer) EnsureAvailable(ctx context.Context) error {
	out, err := w.client.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{
		DBClusterIdentifier: aws.String(w.clusterID),
	})
	if err != nil {
		return fault.Transient("describe db cluster", err)
	}
	if len(out.DBClusters) == 0 {
		return fmt.Errorf("db cluster %q not found", w.clusterID)
	}

	status := aws.ToString(out.DBClusters[0].Status)
	switch status {
	case "available":
		return nil
	case "stopped":
		if _, err := w.client.StartDBCluster(ctx, &rds.StartDBClusterInput{
			DBClusterIdentifier: aws.String(w.clusterID),
		}); err != nil {
			return fault.Transient("start db cluster", err)
		}
		log.Info().Str("clusterId", w.clusterID).Msg("Started Aurora cluster")
		return fault.Transient("wait for db cluster", ErrClusterStarting)
	default:
		log.Info().Str("clusterId", w.clusterID).Str("status", status).Msg("Aurora cluster not available yet")
		return fault.Transient("wait for db cluster", fmt.Errorf("%w: status %s", ErrClusterStarting, status))
	}
}

// WarmResolver checks the cluster before every Resolve.
type WarmResolver struct {
	Warmer *ClusterWarmer
	Next   Resolver
}

// Resolve implements Resolver.
func (w WarmResolver) Resolve(ctx context.Context, ids []string) (map[string][]string, error) {
	if err := w.Warmer.EnsureAvailable(ctx); err != nil {
		return nil, err
	}
	return w.Next.Resolve(ctx, ids)
}
