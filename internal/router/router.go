package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gochat-gateway/internal/models"
	"gochat-gateway/internal/provider"
	"gochat-gateway/internal/translator"
)

// Router dispatches unified requests to the appropriate provider.
type Router struct {
	registry *provider.Registry
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry) *Router {
	return &Router{
		registry: registry,
	}
}

// Chat routes a chat completion request to the configured provider.
func (r *Router) Chat(ctx context.Context, req models.UnifiedChatRequest) (*models.UnifiedChatResponse, models.Model, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.ID
	sanitisedReq.Options = cloneOptions(req.Options)

	resp, err := providerImpl.Chat(ctx, sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s chat request: %w", providerImpl.Name(), err)
	}
	return resp, modelInfo, nil
}

// ChatStream routes a streaming chat completion request to the configured provider.
func (r *Router) ChatStream(ctx context.Context, req models.UnifiedChatRequest) (models.ChunkStream, models.Model, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.ID
	sanitisedReq.Options = cloneOptions(req.Options)

	stream, err := providerImpl.ChatStream(ctx, sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s stream request: %w", providerImpl.Name(), err)
	}
	return stream, modelInfo, nil
}

// Completion routes a text completion request to the configured provider.
func (r *Router) Completion(ctx context.Context, req models.UnifiedCompletionRequest) (*models.UnifiedCompletionResponse, models.Model, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.ID
	sanitisedReq.Options = cloneOptions(req.Options)

	resp, err := providerImpl.Completion(ctx, sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s completion request: %w", providerImpl.Name(), err)
	}
	return resp, modelInfo, nil
}

// Complete satisfies the gateway's unary collaborator contract. The provider
// response is serialised in the OpenAI wire shape and handed over as an
// opaque payload.
func (r *Router) Complete(ctx context.Context, req models.UnifiedChatRequest) (json.RawMessage, error) {
	resp, modelInfo, err := r.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	wire := translator.FromUnifiedChat(modelInfo.ID, time.Now().Unix(), resp)
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal completion payload: %w", err)
	}
	return payload, nil
}

// CompleteStream satisfies the gateway's streaming collaborator contract.
func (r *Router) CompleteStream(ctx context.Context, req models.UnifiedChatRequest) (models.ChunkStream, error) {
	stream, _, err := r.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func cloneOptions(options map[string]any) map[string]any {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		out[k] = v
	}
	return out
}
