// Package messaging defines subject names for the webtrail message bus.
package messaging

// Subject constants follow the pattern {service}.{purpose}[.{detail}].
const (
	// SubjectConsumerDLQ prefixes entries the stream consumer gave up on.
	// The dead-letter reason is appended as the last token.
	SubjectConsumerDLQ = "consumer.dlq"

	// SubjectConsumerDLQAll matches every consumer dead-letter subject.
	SubjectConsumerDLQAll = SubjectConsumerDLQ + ".>"
)

// ConsumerDLQSubject returns the subject for dead-lettered entries with reason.
// Example: consumer.dlq.malformed
func ConsumerDLQSubject(reason string) string {
	return SubjectConsumerDLQ + "." + reason
}
