package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/retry"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// QueueConfig locates the SQS queue triggers are received from.
type QueueConfig struct {
	ConnectionConfig `yaml:",inline"`

	QueueURL string `yaml:"queue_url" validate:"required"`

	MaxNumberOfMessages int32 `yaml:"max_messages" validate:"gte=0,lte=10"`
	WaitTimeSeconds     int32 `yaml:"wait_time_seconds" validate:"gte=0,lte=20"`
	VisibilityTimeout   int32 `yaml:"visibility_timeout" validate:"gte=0"`
}

// SQSAPI is the part of the SQS client the trigger queue uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewSQSClient creates the SQS client of cfg.
func NewSQSClient(ctx context.Context, cfg QueueConfig) (*sqs.Client, error) {
	sdkConfig, err := LoadAWSConfig(ctx, cfg.ConnectionConfig)
	if err != nil {
		return nil, err
	}
	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, sqs.WithEndpointResolverV2(&sqsEndpointResolver{endpointURL: cfg.Endpoint}))
	}
	return sqs.NewFromConfig(sdkConfig, opts...), nil
}

// TriggerMessage is a dispatch request received from the queue.
type TriggerMessage struct {
	MessageID     string
	ReceiptHandle string

	Trigger engine.Trigger

	// Tasks names the tasks to dispatch. Empty for events, which are
	// matched against task subscriptions.
	Tasks []string

	// ResourceType of the resources an event concerns (ec2:instance).
	ResourceType string
}

// eventBridgeEvent is the envelope of events delivered by EventBridge.
type eventBridgeEvent struct {
	ID         string          `json:"id"`
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Account    string          `json:"account"`
	Region     string          `json:"region"`
	Resources  []string        `json:"resources"`
	Detail     json.RawMessage `json:"detail"`
}

type tagChangeDetail struct {
	Service        string   `json:"service"`
	ResourceType   string   `json:"resource-type"`
	ChangedTagKeys []string `json:"changed-tag-keys"`
}

// dispatchRequest is the body of manual and schedule messages.
type dispatchRequest struct {
	Kind        engine.TriggerKind `json:"kind"`
	Tasks       []string           `json:"tasks"`
	Account     string             `json:"account,omitempty"`
	Region      string             `json:"region,omitempty"`
	ResourceIDs []string           `json:"resource_ids,omitempty"`
}

// ParseTriggerMessage parses a queue message body. EventBridge events
// become event triggers; tag change events name the changed resources.
// Other bodies are dispatch requests naming their tasks.
func ParseTriggerMessage(body string) (*TriggerMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("invalid trigger message: %w", err)
	}

	if _, ok := fields["detail-type"]; ok {
		return parseEvent(body)
	}

	var req dispatchRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, fmt.Errorf("invalid dispatch request: %w", err)
	}
	switch req.Kind {
	case "":
		req.Kind = engine.TriggerManual
	case engine.TriggerManual, engine.TriggerSchedule:
	default:
		return nil, fmt.Errorf("invalid trigger kind %q", req.Kind)
	}
	if len(req.Tasks) == 0 {
		return nil, fmt.Errorf("dispatch request names no tasks")
	}
	return &TriggerMessage{
		Trigger: engine.Trigger{
			Kind:        req.Kind,
			Account:     req.Account,
			Region:      req.Region,
			ResourceIDs: req.ResourceIDs,
		},
		Tasks: req.Tasks,
	}, nil
}

func parseEvent(body string) (*TriggerMessage, error) {
	var event eventBridgeEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	msg := &TriggerMessage{
		Trigger: engine.Trigger{
			Kind:    engine.TriggerEvent,
			Source:  event.Source,
			Detail:  event.DetailType,
			Account: event.Account,
			Region:  event.Region,
		},
	}

	if event.Source == "aws.tag" && event.DetailType == engine.EventTypeTagChange {
		var detail tagChangeDetail
		if err := json.Unmarshal(event.Detail, &detail); err != nil {
			return nil, fmt.Errorf("invalid tag change detail: %w", err)
		}
		msg.Trigger.Source = engine.EventSourceTag
		msg.ResourceType = detail.Service + ":" + detail.ResourceType
	}

	for _, r := range event.Resources {
		if id := resourceID(r); id != "" {
			msg.Trigger.ResourceIDs = append(msg.Trigger.ResourceIDs, id)
		}
	}
	return msg, nil
}

// resourceID returns the resource id of an ARN such as
// arn:aws:ec2:us-east-1:111111111111:instance/i-0abc.
func resourceID(s string) string {
	parsed, err := arn.Parse(s)
	if err != nil {
		return ""
	}
	res := parsed.Resource
	if i := strings.LastIndexAny(res, "/:"); i >= 0 {
		res = res[i+1:]
	}
	return res
}

// TriggerQueue receives trigger messages from SQS.
type TriggerQueue struct {
	cfg    QueueConfig
	client SQSAPI
	retry  *retry.Client
	logger *telemetry.Logger
}

// NewTriggerQueue creates a queue reading cfg.QueueURL through client.
func NewTriggerQueue(cfg QueueConfig, client SQSAPI, rc *retry.Client, logger *telemetry.Logger) *TriggerQueue {
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = 10
	}
	if rc == nil {
		rc = retry.New("sqs", retry.DefaultPolicy())
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &TriggerQueue{
		cfg:    cfg,
		client: client,
		retry:  rc,
		logger: logger.NewComponentLogger("trigger-queue"),
	}
}

// Receive waits for the next batch of messages. Messages that cannot be
// parsed are deleted and not returned.
func (q *TriggerQueue) Receive(ctx context.Context) ([]*TriggerMessage, error) {
	out, err := retry.Call(ctx, q.retry, "ReceiveMessage", func(ctx context.Context) (*sqs.ReceiveMessageOutput, error) {
		return q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.cfg.QueueURL),
			MaxNumberOfMessages: q.cfg.MaxNumberOfMessages,
			WaitTimeSeconds:     q.cfg.WaitTimeSeconds,
			VisibilityTimeout:   q.cfg.VisibilityTimeout,
		})
	})
	if err != nil {
		return nil, err
	}

	messages := make([]*TriggerMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		id := aws.ToString(m.MessageId)
		msg, err := ParseTriggerMessage(aws.ToString(m.Body))
		if err != nil {
			q.logger.WithError(err).WithField("message_id", id).Warn("Dropping invalid trigger message")
			if err := q.delete(ctx, aws.ToString(m.ReceiptHandle)); err != nil {
				q.logger.WithError(err).WithField("message_id", id).Error("Failed to delete invalid trigger message")
			}
			continue
		}
		msg.MessageID = id
		msg.ReceiptHandle = aws.ToString(m.ReceiptHandle)
		messages = append(messages, msg)
	}

	if len(messages) > 0 {
		q.logger.Debugf("Received %d trigger messages", len(messages))
	}
	return messages, nil
}

// Delete acknowledges a handled message.
func (q *TriggerQueue) Delete(ctx context.Context, msg *TriggerMessage) error {
	return q.delete(ctx, msg.ReceiptHandle)
}

func (q *TriggerQueue) delete(ctx context.Context, receiptHandle string) error {
	return q.retry.Do(ctx, "DeleteMessage", func(ctx context.Context) error {
		_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(q.cfg.QueueURL),
			ReceiptHandle: aws.String(receiptHandle),
		})
		return err
	})
}
