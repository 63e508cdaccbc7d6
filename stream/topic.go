package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xraph/jobboard/job"
)

// Topic names follow a pattern:
//
//	jobs            every upsert
//	job:<jobID>     upserts for one job
//	state:<STATE>   upserts whose record is in STATE

// TopicJobs receives every upsert.
const TopicJobs = "jobs"

// JobTopic returns the topic name for a specific job.
func JobTopic(jobID string) string { return "job:" + jobID }

// StateTopic returns the topic name for a state.
func StateTopic(state job.State) string { return "state:" + string(state) }

// TopicRegistry manages subscriber sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{topics: make(map[string]map[string]*Subscriber)}
}

// Subscribe adds sub to topic, creating the topic if needed.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
}

// UnsubscribeAll removes a subscriber from all topics and drops empty
// topics.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic, subs := range tr.topics {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// Broadcast sends evt once to every subscriber on any of topics.
// Returns the number of subscribers that accepted it.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) int {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	delivered := 0
	for _, sub := range seen {
		if sub.send(evt) {
			delivered++
		}
	}
	return delivered
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// resolveTopics returns every topic evt is published to.
func resolveTopics(evt *Event) []string {
	topics := []string{TopicJobs}
	if evt.JobID != "" {
		topics = append(topics, JobTopic(evt.JobID))
	}
	if evt.State != "" {
		topics = append(topics, StateTopic(evt.State))
	}
	return topics
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	if topic == TopicJobs {
		return nil
	}
	kind, rest, ok := strings.Cut(topic, ":")
	if !ok || rest == "" {
		return fmt.Errorf("stream: invalid topic %q", topic)
	}
	switch kind {
	case "job":
		return nil
	case "state":
		if !job.State(rest).Valid() {
			return fmt.Errorf("stream: unknown state in topic %q", topic)
		}
		return nil
	default:
		return fmt.Errorf("stream: unknown topic kind %q", kind)
	}
}
