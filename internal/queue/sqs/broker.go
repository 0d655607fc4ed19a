package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"relay/internal/queue"
)

// API is the subset of the SQS client the broker uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

var _ API = (*sqs.Client)(nil)

// maxVisibility is the SQS ceiling for a visibility timeout.
const maxVisibility = 12 * time.Hour

// Broker maps each job kind to an SQS queue. Kinds may have a second queue
// for the urgent lane, keyed "<KIND>_URGENT"; without one urgent jobs share
// the kind's queue.
//
// SQS owns attempt counting (ApproximateReceiveCount) and redelivery: a
// retry extends the message's visibility by the backoff delay.
type Broker struct {
	SQS  API
	URLs map[string]string

	// WaitTime is the long-poll wait on the last lane polled.
	WaitTime time.Duration
	Lock     time.Duration
	Log      *slog.Logger

	completed *queue.Retained
	failed    *queue.Retained
}

var _ queue.Broker = (*Broker)(nil)

func New(api API, urls map[string]string, opts queue.Options, waitTime time.Duration, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.WithDefaults()
	return &Broker{
		SQS:       api,
		URLs:      urls,
		WaitTime:  waitTime,
		Lock:      opts.LockDuration,
		Log:       log,
		completed: queue.NewRetained(opts.KeepCompleted),
		failed:    queue.NewRetained(opts.KeepFailed),
	}
}

func (b *Broker) Name() string { return "sqs" }

func (b *Broker) url(kind string, lane queue.Lane) (string, error) {
	if lane == queue.LaneUrgent {
		if u := b.URLs[kind+"_URGENT"]; u != "" {
			return u, nil
		}
	}
	if u := b.URLs[kind]; u != "" {
		return u, nil
	}
	return "", fmt.Errorf("no sqs queue configured for %s", kind)
}

func (b *Broker) Push(ctx context.Context, job *queue.Job) error {
	url, err := b.url(job.Kind, job.Lane)
	if err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	}
	if strings.HasSuffix(url, ".fifo") {
		in.MessageGroupId = aws.String(job.Kind)
		in.MessageDeduplicationId = aws.String(job.ID)
	}
	_, err = b.SQS.SendMessage(ctx, in)
	return err
}

func (b *Broker) Reserve(ctx context.Context, kind string, lanes []queue.Lane) (*queue.Job, error) {
	var urls []string
	seen := map[string]bool{}
	for _, l := range lanes {
		u, err := b.url(kind, l)
		if err != nil {
			continue
		}
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no sqs queue configured for %s", kind)
	}

	for i, u := range urls {
		var wait int32
		if i == len(urls)-1 {
			wait = int32(b.WaitTime / time.Second)
		}
		out, err := b.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(u),
			MaxNumberOfMessages:         1,
			WaitTimeSeconds:             wait,
			VisibilityTimeout:           seconds(b.Lock),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			return nil, err
		}
		for _, m := range out.Messages {
			job, err := decode(m)
			if err != nil {
				// bad payload => delete to avoid endless redrive
				b.Log.Error("sqs message undecodable, deleting", "queue_url", u, "err", err)
				_, _ = b.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(u), ReceiptHandle: m.ReceiptHandle})
				continue
			}
			job.Receipt = aws.ToString(m.ReceiptHandle)
			return job, nil
		}
	}
	return nil, nil
}

func decode(m types.Message) (*queue.Job, error) {
	if m.Body == nil {
		return nil, errors.New("empty body")
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
		return nil, err
	}
	if job.ID == "" || job.Kind == "" {
		return nil, errors.New("missing job id or kind")
	}
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
		job.Attempt = n
	} else {
		job.Attempt++
	}
	job.State = queue.StateActive
	job.UpdatedAt = time.Now().UTC()
	return &job, nil
}

func (b *Broker) Complete(ctx context.Context, job *queue.Job) error {
	if err := b.delete(ctx, job); err != nil {
		return err
	}
	job.State = queue.StateCompleted
	job.UpdatedAt = time.Now().UTC()
	b.completed.Add(job)
	return nil
}

func (b *Broker) Retry(ctx context.Context, job *queue.Job, delay time.Duration) error {
	url, err := b.url(job.Kind, job.Lane)
	if err != nil {
		return err
	}
	if delay > maxVisibility {
		delay = maxVisibility
	}
	_, err = b.SQS.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(job.Receipt),
		VisibilityTimeout: seconds(delay),
	})
	return err
}

func (b *Broker) Fail(ctx context.Context, job *queue.Job, cause error) error {
	if err := b.delete(ctx, job); err != nil {
		return err
	}
	job.State = queue.StateFailed
	job.LastError = cause.Error()
	job.UpdatedAt = time.Now().UTC()
	b.failed.Add(job)
	return nil
}

func (b *Broker) delete(ctx context.Context, job *queue.Job) error {
	url, err := b.url(job.Kind, job.Lane)
	if err != nil {
		return err
	}
	_, err = b.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(job.Receipt),
	})
	return err
}

// List reports finished jobs seen by this process. SQS cannot peek at
// waiting messages without receiving them, so the waiting list is empty.
func (b *Broker) List(_ context.Context, kind string, state queue.State, limit int) ([]*queue.Job, error) {
	switch state {
	case queue.StateCompleted:
		return b.completed.List(kind, limit), nil
	case queue.StateFailed:
		return b.failed.List(kind, limit), nil
	default:
		return []*queue.Job{}, nil
	}
}

func (b *Broker) Stats(ctx context.Context, kind string) (queue.Stats, error) {
	st := queue.Stats{Completed: b.completed.Len(kind), Failed: b.failed.Len(kind)}
	seen := map[string]bool{}
	for _, l := range queue.Lanes {
		u, err := b.url(kind, l)
		if err != nil || seen[u] {
			continue
		}
		seen[u] = true
		attrs, err := b.attributes(ctx, u)
		if err != nil {
			return st, err
		}
		st.Waiting += atoi(attrs[string(types.QueueAttributeNameApproximateNumberOfMessages)])
		st.Active += atoi(attrs[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)])
		st.Delayed += atoi(attrs[string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed)])
	}
	return st, nil
}

func (b *Broker) attributes(ctx context.Context, url string) (map[string]string, error) {
	out, err := b.SQS.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Attributes, nil
}

// Ping checks that every configured queue answers.
func (b *Broker) Ping(ctx context.Context) error {
	if len(b.URLs) == 0 {
		return errors.New("no sqs queues configured")
	}
	for key, u := range b.URLs {
		if _, err := b.attributes(ctx, u); err != nil {
			return fmt.Errorf("sqs queue %s: %w", key, err)
		}
	}
	return nil
}

func (b *Broker) Close() error { return nil }

func seconds(d time.Duration) int32 {
	s := int32(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// ParseURLs reads "KIND=url,KIND_URGENT=url" pairs.
func ParseURLs(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("invalid sqs queue mapping %q", pair)
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out, nil
}
