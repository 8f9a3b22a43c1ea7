// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dydbstorage implements a storage.Backend based on AWS's
// DynamoDB.
//
// Object locations are kept in items keyed by the object id, with
// the attribute "Hosts" holding the set of hosts that store the
// object. Storage-side tasks are items keyed by "task:<uuid>"; they
// are picked up by the storage agents, which record their outcome
// in the item's "State" and "Result" attributes.
package dydbstorage

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/locus/errors"
	"github.com/grailbio/locus/log"
	"github.com/grailbio/locus/metrics"
	"github.com/grailbio/locus/storage"
)

const (
	colID     = "ID"
	colHosts  = "Hosts"
	colState  = "State"
	colResult = "Result"
	colError  = "Error"

	taskPrefix = "task:"

	statePending = "pending"
	stateDone    = "done"
	stateFailed  = "failed"

	defaultMaxInflight = 64
)

var retryPolicy = retry.MaxTries(retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5), 5)

// Backend is a DynamoDB-backed persistent object store.
type Backend struct {
	// DB is the DynamoDB client.
	DB dynamodbiface.DynamoDBAPI
	// TableName is the table holding object locations and tasks.
	TableName string
	// Limiter bounds the number of concurrent requests.
	Limiter *limiter.Limiter
	// PollInterval is the interval at which task executions poll
	// for their outcome.
	PollInterval time.Duration
	// Log is used to report throttling.
	Log *log.Logger
}

// New returns a new Backend over the provided table.
func New(db dynamodbiface.DynamoDBAPI, table string) *Backend {
	lim := limiter.New()
	lim.Release(defaultMaxInflight)
	return &Backend{DB: db, TableName: table, Limiter: lim, PollInterval: time.Second}
}

// do performs a DynamoDB operation, retrying throttled requests.
func (b *Backend) do(ctx context.Context, op string, fn func() error) error {
	if b.Limiter != nil {
		if err := b.Limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		defer b.Limiter.Release(1)
	}
	start := time.Now()
	defer func() {
		metrics.GetDydbstorageOpLatencySecondsHistogram(ctx, op).Observe(time.Since(start).Seconds())
	}()
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil || !throttled(err) {
			return err
		}
		b.Log.Debugf("dydbstorage %s throttled: %v", op, err)
		if werr := retry.Wait(ctx, retryPolicy, retries); werr != nil {
			return errors.E(op, errors.TooManyTries, err)
		}
	}
}

func throttled(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case dynamodb.ErrCodeProvisionedThroughputExceededException,
		"RequestLimitExceeded",
		"ThrottlingException":
		return true
	}
	return false
}

func key(id string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{colID: {S: aws.String(id)}}
}

// Locations implements storage.Backend. Objects that are not known
// to the table have no locations.
func (b *Backend) Locations(ctx context.Context, id string) ([]string, error) {
	var out *dynamodb.GetItemOutput
	err := b.do(ctx, "locations", func() (err error) {
		out, err = b.DB.GetItemWithContext(ctx, &dynamodb.GetItemInput{
			TableName:            aws.String(b.TableName),
			Key:                  key(id),
			ConsistentRead:       aws.Bool(true),
			ProjectionExpression: aws.String(colHosts),
		})
		return
	})
	if err != nil {
		return nil, errors.E("locations", id, errors.Unlocatable, err)
	}
	if out.Item == nil || out.Item[colHosts] == nil {
		return nil, nil
	}
	return aws.StringValueSlice(out.Item[colHosts].SS), nil
}

// AddLocation records that the object id is stored on host.
func (b *Backend) AddLocation(ctx context.Context, id, host string) error {
	return b.update(ctx, "addlocation", id, "ADD "+colHosts+" :h", host)
}

// RemoveLocation records that the object id is no longer stored on
// host.
func (b *Backend) RemoveLocation(ctx context.Context, id, host string) error {
	return b.update(ctx, "removelocation", id, "DELETE "+colHosts+" :h", host)
}

func (b *Backend) update(ctx context.Context, op, id, expr, host string) error {
	err := b.do(ctx, op, func() error {
		_, err := b.DB.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
			TableName:        aws.String(b.TableName),
			Key:              key(id),
			UpdateExpression: aws.String(expr),
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":h": {SS: []*string{aws.String(host)}},
			},
		})
		return err
	})
	if err != nil {
		return errors.E(op, id, host, err)
	}
	return nil
}

// Delete removes the object id from the table.
func (b *Backend) Delete(ctx context.Context, id string) error {
	err := b.do(ctx, "delete", func() error {
		_, err := b.DB.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(b.TableName),
			Key:       key(id),
		})
		return err
	})
	if err != nil {
		return errors.E("delete", id, err)
	}
	return nil
}

// ExecuteTask implements storage.Backend. The task is recorded as a
// pending task item; the returned execution polls the item until a
// storage agent marks it done or failed.
func (b *Backend) ExecuteTask(ctx context.Context, task storage.Task) (storage.Execution, error) {
	id := taskPrefix + uuid.New().String()
	item := key(id)
	item[colState] = &dynamodb.AttributeValue{S: aws.String(statePending)}
	item["Object"] = &dynamodb.AttributeValue{S: aws.String(task.ID)}
	item["Method"] = &dynamodb.AttributeValue{S: aws.String(task.Method)}
	item["TaskHost"] = &dynamodb.AttributeValue{S: aws.String(task.Host)}
	if len(task.Args) > 0 {
		item["Args"] = &dynamodb.AttributeValue{L: stringList(task.Args)}
	}
	err := b.do(ctx, "executetask", func() error {
		_, err := b.DB.PutItemWithContext(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(b.TableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(" + colID + ")"),
		})
		return err
	})
	if err != nil {
		return nil, errors.E("executetask", task.ID, task.Method, err)
	}
	return &execution{b: b, id: id}, nil
}

func stringList(ss []string) []*dynamodb.AttributeValue {
	l := make([]*dynamodb.AttributeValue, len(ss))
	for i, s := range ss {
		l[i] = &dynamodb.AttributeValue{S: aws.String(s)}
	}
	return l
}

type execution struct {
	b  *Backend
	id string
}

// Wait implements storage.Execution.
func (x *execution) Wait(ctx context.Context) (string, error) {
	interval := x.b.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		var out *dynamodb.GetItemOutput
		err := x.b.do(ctx, "wait", func() (err error) {
			out, err = x.b.DB.GetItemWithContext(ctx, &dynamodb.GetItemInput{
				TableName:      aws.String(x.b.TableName),
				Key:            key(x.id),
				ConsistentRead: aws.Bool(true),
			})
			return
		})
		if err != nil {
			return "", errors.E("wait", x.id, err)
		}
		if out.Item == nil {
			return "", errors.E("wait", x.id, errors.NotExist, errors.New("task item vanished"))
		}
		var state string
		if v := out.Item[colState]; v != nil {
			state = aws.StringValue(v.S)
		}
		switch state {
		case stateDone:
			if r := out.Item[colResult]; r != nil {
				return aws.StringValue(r.S), nil
			}
			return "", nil
		case stateFailed:
			var msg string
			if e := out.Item[colError]; e != nil {
				msg = aws.StringValue(e.S)
			}
			return "", errors.E("wait", x.id, errors.Execution, errors.New(msg))
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
