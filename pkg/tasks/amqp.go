// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TaskQueueName is the durable queue tasks travel through.
const TaskQueueName = "stratum.tasks"

// AMQPQueue carries tasks over a RabbitMQ broker. Retries are implemented
// by republishing the task with an incremented attempt counter, so a
// crashed worker never loses work: unacked deliveries return to the queue.
type AMQPQueue struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	maxAttempts int
	logger      *slog.Logger
}

// DialAMQP connects to the broker and declares the task queue.
func DialAMQP(dsn string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := channel.QueueDeclare(TaskQueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare task queue: %w", err)
	}

	return &AMQPQueue{
		conn:        conn,
		channel:     channel,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
	}, nil
}

// Close shuts down the broker connection.
func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}

// Enqueue publishes the task as a persistent JSON message.
func (q *AMQPQueue) Enqueue(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("serializing task: %w", err)
	}

	err = q.channel.PublishWithContext(ctx, "", TaskQueueName, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         raw,
		})
	if err != nil {
		return fmt.Errorf("publishing task: %w", err)
	}
	return nil
}

// Consume delivers tasks to handler until ctx is cancelled. Transient
// failures are requeued with a bumped attempt counter; permanent failures
// and exhausted tasks are dropped after logging.
func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := q.channel.Consume(TaskQueueName,
		"",    // consumer tag
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("task channel closed")
			}
			q.handle(ctx, handler, delivery)
		}
	}
}

func (q *AMQPQueue) handle(ctx context.Context, handler Handler, delivery amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(delivery.Body, &task); err != nil {
		q.logger.Error("dropping undecodable task", "error", err)
		_ = delivery.Ack(false)
		return
	}

	err := handler.HandleTask(ctx, task)
	if err == nil {
		_ = delivery.Ack(false)
		return
	}
	task.Attempt++

	switch {
	case IsPermanent(err):
		q.logger.Error("task failed permanently",
			"kind", task.Kind, "objectId", task.ObjectID, "error", err)
	case task.Attempt >= q.maxAttempts:
		q.logger.Error("task exhausted retries",
			"kind", task.Kind, "objectId", task.ObjectID,
			"attempts", task.Attempt, "error", err)
	default:
		q.logger.Warn("task failed, requeueing",
			"kind", task.Kind, "objectId", task.ObjectID,
			"attempt", task.Attempt, "error", err)
		if err := q.Enqueue(ctx, task); err != nil {
			// Keep the original delivery so the broker redelivers it.
			_ = delivery.Nack(false, true)
			return
		}
	}
	_ = delivery.Ack(false)
}
