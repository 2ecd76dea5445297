package featurehog

import (
	"time"

	"github.com/featurehog/featurehog-go/pkg/flags"
)

// FlagValue is a decided flag value: false, true, or a variant key.
type FlagValue = flags.FlagValue

// Group identifies a non-person entity an event or flag is keyed on.
type Group = flags.Group

// Event is a single analytics event to capture.
type Event struct {
	// Name of the event, e.g. "user signed up". Required.
	Name string
	// DistinctID identifies who the event is about. Required.
	DistinctID string
	// Properties are merged with super-properties and library-reserved
	// fields before sending.
	Properties map[string]interface{}
	// Groups binds the event to non-person entities ($groups).
	Groups []Group
	// Timestamp defaults to the wall clock at capture time.
	Timestamp time.Time
	// SendFeatureFlags enriches the event with fresh flag values for
	// (DistinctID, Groups), consulting the flag cache or the remote
	// endpoint.
	SendFeatureFlags bool
}

// FlagOptions parameterizes a flag lookup.
type FlagOptions struct {
	PersonProperties map[string]interface{}
	Groups           []Group
	// OnlyEvaluateLocally suppresses the remote fallback; an undecidable
	// flag then evaluates to false.
	OnlyEvaluateLocally bool
	// DisableFlagEvents suppresses the $feature_flag_called exposure event
	// for this lookup.
	DisableFlagEvents bool
}

func (o *FlagOptions) orDefault() FlagOptions {
	if o == nil {
		return FlagOptions{}
	}
	return *o
}

// FlagsResult is the outcome of a remote flag evaluation for one identity.
type FlagsResult struct {
	Flags                map[string]FlagValue
	Payloads             map[string]string
	ErrorsWhileComputing bool
}

const eventFeatureFlagCalled = "$feature_flag_called"

// apiEvent is the wire shape of one event inside a capture batch.
type apiEvent struct {
	Event      string                 `json:"event"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  string                 `json:"timestamp"`
}

// batchPayload is the wire shape of the batch capture endpoint.
type batchPayload struct {
	APIKey               string     `json:"api_key"`
	HistoricalMigrations bool       `json:"historical_migrations"`
	Batch                []apiEvent `json:"batch"`
}

// decideRequest is the wire shape of the remote flag evaluation endpoint.
type decideRequest struct {
	Token            string                            `json:"token"`
	DistinctID       string                            `json:"distinct_id"`
	PersonProperties map[string]interface{}            `json:"person_properties,omitempty"`
	Groups           map[string]string                 `json:"groups,omitempty"`
	GroupProperties  map[string]map[string]interface{} `json:"group_properties,omitempty"`
}

type decideResponse struct {
	FeatureFlags              map[string]interface{} `json:"featureFlags"`
	FeatureFlagPayloads       map[string]string      `json:"featureFlagPayloads"`
	ErrorsWhileComputingFlags bool                   `json:"errorsWhileComputingFlags"`
	QuotaLimited              []string               `json:"quotaLimited"`
}
