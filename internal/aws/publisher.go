package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// DispatchRequest asks a worker to dispatch one gateway action.
type DispatchRequest struct {
	ActionID   string `json:"action_id"`
	ProviderID string `json:"provider_id"`
}

// Publisher sends dispatch requests to the worker queue.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// PublishDispatch enqueues req. The provider id travels as a message attribute
// so queue consumers can filter without decoding the body.
func (p *Publisher) PublishDispatch(ctx context.Context, req DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal dispatch request: %w", err)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: awsString(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"provider_id": {
				DataType:    awsString("String"),
				StringValue: awsString(req.ProviderID),
			},
		},
	}

	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
