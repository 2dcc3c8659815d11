package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"
)

// Publisher delivers events. Publish returns only after every event has
// been accepted by the transport.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

// maxPutEvents is the PutEvents per-request entry limit.
const maxPutEvents = 10

// PutEventsAPI is the EventBridge call used by EventBridgePublisher.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, in *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgePublisher puts events on a bus.
type EventBridgePublisher struct {
	client PutEventsAPI
	bus    string
}

// NewEventBridgePublisher publishes to bus ("" means the default bus).
func NewEventBridgePublisher(client PutEventsAPI, bus string) *EventBridgePublisher {
	return &EventBridgePublisher{client: client, bus: bus}
}

func (p *EventBridgePublisher) Publish(ctx context.Context, evts ...Event) error {
	for start := 0; start < len(evts); start += maxPutEvents {
		batch := evts[start:min(start+maxPutEvents, len(evts))]
		entries := make([]eventbridgetypes.PutEventsRequestEntry, 0, len(batch))
		for _, e := range batch {
			detail, err := json.Marshal(e.Detail)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", e.DetailType, err)
			}
			entry := eventbridgetypes.PutEventsRequestEntry{
				Source:     aws.String(Source),
				DetailType: aws.String(e.DetailType),
				Detail:     aws.String(string(detail)),
			}
			if p.bus != "" {
				entry.EventBusName = aws.String(p.bus)
			}
			entries = append(entries, entry)
		}

		result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{Entries: entries})
		if err != nil {
			log.Error().Err(err).Int("entries", len(entries)).Msg("EventBridge PutEvents failed")
			return fmt.Errorf("PutEvents: %w", err)
		}
		if result.FailedEntryCount > 0 {
			for i, entry := range result.Entries {
				if entry.ErrorCode != nil || entry.ErrorMessage != nil {
					log.Error().
						Int("index", start+i).
						Str("errorCode", aws.ToString(entry.ErrorCode)).
						Str("errorMessage", aws.ToString(entry.ErrorMessage)).
						Str("jobId", batch[i].JobID).
						Str("detailType", batch[i].DetailType).
						Msg("EventBridge PutEvents entry failed")
					return fmt.Errorf("PutEvents entry %d failed: %s - %s", start+i, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
				}
			}
		}
		for _, e := range batch {
			log.Debug().Str("jobId", e.JobID).Str("detailType", e.DetailType).Msg("Event emitted to EventBridge")
		}
	}
	return nil
}

// InvokeAPI is the Lambda call used by LambdaDispatcher.
type InvokeAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaDispatcher invokes the package function asynchronously, one
// invocation per package message.
type LambdaDispatcher struct {
	client   InvokeAPI
	function string
}

// NewLambdaDispatcher targets function (name or ARN).
func NewLambdaDispatcher(client InvokeAPI, function string) *LambdaDispatcher {
	return &LambdaDispatcher{client: client, function: function}
}

func (d *LambdaDispatcher) Publish(ctx context.Context, evts ...Event) error {
	for _, e := range evts {
		if e.DetailType != DetailPackage {
			return fmt.Errorf("lambda dispatch only carries %s, got %s", DetailPackage, e.DetailType)
		}
		payload, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal package message: %w", err)
		}
		out, err := d.client.Invoke(ctx, &lambda.InvokeInput{
			FunctionName:   aws.String(d.function),
			InvocationType: lambdatypes.InvocationTypeEvent,
			Payload:        payload,
		})
		if err != nil {
			return fmt.Errorf("invoke %s: %w", d.function, err)
		}
		if out.StatusCode != 202 {
			return fmt.Errorf("invoke %s: unexpected status %d", d.function, out.StatusCode)
		}
	}
	return nil
}

// Router sends package messages through a dedicated dispatcher and every
// other event through the default publisher.
type Router struct {
	Packages Publisher
	Default  Publisher
}

func (r *Router) Publish(ctx context.Context, evts ...Event) error {
	var pkgs, rest []Event
	for _, e := range evts {
		if e.DetailType == DetailPackage {
			pkgs = append(pkgs, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(pkgs) > 0 {
		if err := r.Packages.Publish(ctx, pkgs...); err != nil {
			return err
		}
	}
	if len(rest) > 0 {
		return r.Default.Publish(ctx, rest...)
	}
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu   sync.Mutex
	evts []Event
	// Err, when set, is returned by Publish and nothing is recorded.
	Err error
}

func (r *Recorder) Publish(ctx context.Context, evts ...Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.evts = append(r.evts, evts...)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.evts...)
}

// OfType returns recorded events with the given detail type.
func (r *Recorder) OfType(detailType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.DetailType == detailType {
			out = append(out, e)
		}
	}
	return out
}
