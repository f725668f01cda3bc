// SPDX-License-Identifier: MIT

package bus

// Topic is the closed set of event kinds carried by the bus. Subscribers
// register once per topic; there is no wildcarding.
type Topic string

const (
	TopicTaskStarted       Topic = "task_started"
	TopicTaskCompleted     Topic = "task_completed"
	TopicCheckinDue        Topic = "checkin_due"
	TopicCheckinAck        Topic = "checkin_ack"
	TopicEnergyUpdated     Topic = "energy_updated"
	TopicFocusWarning      Topic = "focus_warning"
	TopicFocusExpired      Topic = "focus_expired"
	TopicFocusBlockStarted Topic = "focus_block_started"
	TopicFocusBlockEnded   Topic = "focus_block_ended"
	TopicPatternDetected   Topic = "pattern_detected"
	TopicSessionSummarized Topic = "session_summarized"
)

var allTopics = map[Topic]struct{}{
	TopicTaskStarted:       {},
	TopicTaskCompleted:     {},
	TopicCheckinDue:        {},
	TopicCheckinAck:        {},
	TopicEnergyUpdated:     {},
	TopicFocusWarning:      {},
	TopicFocusExpired:      {},
	TopicFocusBlockStarted: {},
	TopicFocusBlockEnded:   {},
	TopicPatternDetected:   {},
	TopicSessionSummarized: {},
}

// Valid reports whether t belongs to the closed topic set.
func (t Topic) Valid() bool {
	_, ok := allTopics[t]
	return ok
}
