package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/topic"
)

// TopicPrefix is the base for topics owned by mqttsession itself.
const TopicPrefix = "mqttsession"

// maxTopicLength is the MQTT limit for a UTF-8 encoded topic.
const maxTopicLength = 65535

// Topics provides builders for mqttsession topics.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.SessionStatus("sensor-gw")
//	// Returns: "mqttsession/status/sensor-gw"
type Topics struct{}

// SessionStatus returns the retained online/offline status topic of a session.
//
// Example: mqttsession/status/sensor-gw
func (Topics) SessionStatus(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefix, clientID)
}

// AllSessionStatus returns a wildcard filter for every session status.
//
// Example: mqttsession/status/+
func (Topics) AllSessionStatus() string {
	return TopicPrefix + "/status/+"
}

// Status reasons carried by status payloads.
const (
	StatusReasonUnexpected = "unexpected_disconnect"
	StatusReasonGraceful   = "graceful_shutdown"
)

type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// OnlinePayload returns the JSON status published after a session connects.
func OnlinePayload(clientID string) []byte {
	return statusJSON(statusPayload{Status: "online", ClientID: clientID})
}

// OfflinePayload returns the JSON status for a session going offline. Use
// StatusReasonUnexpected for last-will messages.
func OfflinePayload(clientID, reason string) []byte {
	return statusJSON(statusPayload{Status: "offline", ClientID: clientID, Reason: reason})
}

func statusJSON(p statusPayload) []byte {
	p.Timestamp = time.Now().UTC().Format(time.RFC3339)
	b, _ := json.Marshal(p) //nolint:errcheck // plain struct of strings
	return b
}

// =============================================================================
// Validation
// =============================================================================

// ValidateTopicName checks a topic used for publishing. Wildcards are not
// allowed.
func ValidateTopicName(name string) error {
	return validateTopic(name, false)
}

// ValidateTopicFilter checks a subscription filter. '+' must fill a whole
// level and '#' must be the last level.
func ValidateTopicFilter(filter string) error {
	return validateTopic(filter, true)
}

func validateTopic(t string, allowWildcards bool) error {
	if t == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	if len(t) > maxTopicLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsRune(t, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidTopic)
	}
	if _, err := topic.Parse(t, allowWildcards); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidTopic, t, err)
	}
	return nil
}

// =============================================================================
// Filter matching
// =============================================================================

// FilterSet matches topic names against a set of subscription filters.
//
// It is not safe for concurrent modification; build it once and share it
// read-only.
type FilterSet struct {
	tree    *topic.Tree
	filters []string
}

// NewFilterSet returns a FilterSet holding filters. Invalid filters are
// rejected.
func NewFilterSet(filters ...string) (*FilterSet, error) {
	fs := &FilterSet{tree: topic.NewStandardTree()}
	for _, f := range filters {
		if err := ValidateTopicFilter(f); err != nil {
			return nil, err
		}
		fs.tree.Add(f, f)
		fs.filters = append(fs.filters, f)
	}
	return fs, nil
}

// Match returns every filter that matches name.
func (fs *FilterSet) Match(name string) []string {
	values := fs.tree.Match(name)
	out := make([]string, 0, len(values))
	for _, v := range values {
		if f, ok := v.(string); ok {
			out = append(out, f)
		}
	}
	return out
}

// Filters returns the filters in insertion order.
func (fs *FilterSet) Filters() []string {
	return fs.filters
}
