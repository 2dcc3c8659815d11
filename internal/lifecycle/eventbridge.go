package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

// rulePrefix names one-shot cleanup rules: shipments-cleanup-{jobId}.
const rulePrefix = "shipments-cleanup-"

// targetID is the single target attached to each rule.
const targetID = "cleanup"

// RulesAPI is the subset of the EventBridge client used for schedule hints.
type RulesAPI interface {
	PutRule(ctx context.Context, in *eventbridge.PutRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutRuleOutput, error)
	PutTargets(ctx context.Context, in *eventbridge.PutTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutTargetsOutput, error)
	RemoveTargets(ctx context.Context, in *eventbridge.RemoveTargetsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.RemoveTargetsOutput, error)
	DeleteRule(ctx context.Context, in *eventbridge.DeleteRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DeleteRuleOutput, error)
}

// ExecuteRequest is the payload delivered to the cleanup function.
type ExecuteRequest struct {
	JobID  string `json:"jobId"`
	Action string `json:"action"`
}

// EventBridgeHint registers a one-shot cron rule per job that invokes the
// cleanup function.
type EventBridgeHint struct {
	client      RulesAPI
	functionARN string
	roleARN     string
}

var _ ScheduleHint = (*EventBridgeHint)(nil)

// NewEventBridgeHint returns a hint targeting functionARN. roleARN is
// optional.
func NewEventBridgeHint(client RulesAPI, functionARN, roleARN string) *EventBridgeHint {
	return &EventBridgeHint{client: client, functionARN: functionARN, roleARN: roleARN}
}

// RuleName returns the rule name used for a job.
func RuleName(jobID string) string {
	return rulePrefix + jobID
}

// CronExpression renders a one-shot EventBridge cron for t (UTC, minute
// resolution, rounded up so the rule never fires early).
func CronExpression(t time.Time) string {
	t = t.UTC()
	if t.Truncate(time.Minute) != t {
		t = t.Truncate(time.Minute).Add(time.Minute)
	}
	return fmt.Sprintf("cron(%d %d %d %d ? %d)", t.Minute(), t.Hour(), t.Day(), int(t.Month()), t.Year())
}

func (h *EventBridgeHint) Register(ctx context.Context, jobID string, at time.Time) error {
	if h.functionARN == "" {
		return errors.New("cleanup function ARN not configured")
	}
	name := RuleName(jobID)
	in := &eventbridge.PutRuleInput{
		Name:               aws.String(name),
		ScheduleExpression: aws.String(CronExpression(at)),
		State:              ebtypes.RuleStateEnabled,
		Description:        aws.String("Delete shipment artifacts for job " + jobID),
	}
	if h.roleARN != "" {
		in.RoleArn = aws.String(h.roleARN)
	}
	if _, err := h.client.PutRule(ctx, in); err != nil {
		return fmt.Errorf("EventBridge PutRule %s: %w", name, err)
	}

	payload, err := json.Marshal(ExecuteRequest{JobID: jobID, Action: "execute"})
	if err != nil {
		return fmt.Errorf("marshal cleanup payload: %w", err)
	}
	out, err := h.client.PutTargets(ctx, &eventbridge.PutTargetsInput{
		Rule: aws.String(name),
		Targets: []ebtypes.Target{{
			Id:    aws.String(targetID),
			Arn:   aws.String(h.functionARN),
			Input: aws.String(string(payload)),
		}},
	})
	if err != nil {
		return fmt.Errorf("EventBridge PutTargets %s: %w", name, err)
	}
	if out.FailedEntryCount > 0 {
		return fmt.Errorf("EventBridge PutTargets %s: %d failed entries", name, out.FailedEntryCount)
	}
	log.Debug().Str("jobId", jobID).Str("rule", name).Time("at", at).Msg("Cleanup rule registered")
	return nil
}

func (h *EventBridgeHint) Unregister(ctx context.Context, jobID string) error {
	name := RuleName(jobID)
	var rnf *ebtypes.ResourceNotFoundException
	_, err := h.client.RemoveTargets(ctx, &eventbridge.RemoveTargetsInput{
		Rule:  aws.String(name),
		Ids:   []string{targetID},
		Force: true,
	})
	if errors.As(err, &rnf) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("EventBridge RemoveTargets %s: %w", name, err)
	}
	_, err = h.client.DeleteRule(ctx, &eventbridge.DeleteRuleInput{Name: aws.String(name), Force: true})
	if err != nil && !errors.As(err, &rnf) {
		return fmt.Errorf("EventBridge DeleteRule %s: %w", name, err)
	}
	return nil
}
