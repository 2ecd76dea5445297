package featurehog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

// remoteFetcher calls the remote flag evaluation endpoint and shapes its
// response into a FlagsResult.
type remoteFetcher struct {
	cfg       *Config
	transport Transport
	logger    zerolog.Logger
}

func newRemoteFetcher(cfg *Config, transport Transport, logger zerolog.Logger) *remoteFetcher {
	return &remoteFetcher{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With().Str("component", "remote_flags").Logger(),
	}
}

// FetchFlags evaluates all flags remotely for one identity.
func (r *remoteFetcher) FetchFlags(ctx context.Context, distinctID string, personProperties map[string]interface{}, groups []Group) (*FlagsResult, error) {
	req := decideRequest{
		Token:            r.cfg.ProjectAPIKey,
		DistinctID:       distinctID,
		PersonProperties: personProperties,
	}
	if len(groups) > 0 {
		req.Groups = make(map[string]string, len(groups))
		req.GroupProperties = make(map[string]map[string]interface{}, len(groups))
		for _, g := range groups {
			req.Groups[g.Type] = g.Key
			if g.Properties != nil {
				req.GroupProperties[g.Type] = g.Properties
			}
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal decide request: %w", err)
	}

	resp, err := r.transport.Send(ctx, &Request{
		Method: http.MethodPost,
		URL:    r.cfg.Endpoint + "/decide/?v=3",
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, fmt.Errorf("decide request: %w", err)
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("decide endpoint returned status %d", resp.Status)
	}

	var decoded decideResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, fmt.Errorf("decode decide response: %w", err)
	}

	for _, limited := range decoded.QuotaLimited {
		if limited == "feature_flags" {
			r.logger.Warn().Msg("Feature flags quota limited on remote evaluation, returning no flags")
			return &FlagsResult{Flags: map[string]FlagValue{}, Payloads: map[string]string{}}, nil
		}
	}

	result := &FlagsResult{
		Flags:                make(map[string]FlagValue, len(decoded.FeatureFlags)),
		Payloads:             decoded.FeatureFlagPayloads,
		ErrorsWhileComputing: decoded.ErrorsWhileComputingFlags,
	}
	if result.Payloads == nil {
		result.Payloads = map[string]string{}
	}
	for key, value := range decoded.FeatureFlags {
		result.Flags[key] = value
	}

	if decoded.ErrorsWhileComputingFlags {
		r.logger.Debug().Msg("Remote evaluation reported partial flag computation errors")
	}

	return result, nil
}
