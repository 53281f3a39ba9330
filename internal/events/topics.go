package events

import "slices"

// Topics emitted by the payment reconciler.
const (
	TopicPaymentSucceeded = "payment.succeeded"
	TopicPaymentFailed    = "payment.failed"
)

var knownTopics = []string{TopicPaymentSucceeded, TopicPaymentFailed}

// Known reports whether topic is one the service emits.
func Known(topic string) bool { return slices.Contains(knownTopics, topic) }
