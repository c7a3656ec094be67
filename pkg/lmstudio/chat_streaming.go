package lmstudio

import (
	"context"
	"encoding/json"
	"fmt"
)

// FragmentFunc receives each streamed fragment. Returning false stops the
// prediction.
type FragmentFunc func(text string) bool

type predictCreation struct {
	ModelSpecifier        modelSpecifier        `json:"modelSpecifier"`
	History               predictHistory        `json:"history"`
	PredictionConfigStack predictionConfigStack `json:"predictionConfigStack"`
}

type modelSpecifier struct {
	Type              string `json:"type"`
	InstanceReference string `json:"instanceReference"`
}

type predictHistory struct {
	Messages []historyMessage `json:"messages"`
}

type predictionConfigStack struct {
	Layers []predictionLayer `json:"layers"`
}

type predictionLayer struct {
	LayerName string        `json:"layerName"`
	Config    predictConfig `json:"config"`
}

type predictConfig struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	Seed        uint64  `json:"seed,omitempty"`
	Stream      bool    `json:"stream"`
	Fields      []any   `json:"fields"`
}

func newPredictCreation(instanceRef string, messages []ChatMessage, cfg PredictionConfig) predictCreation {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultPredictMaxToken
	}
	return predictCreation{
		ModelSpecifier: modelSpecifier{Type: "instanceReference", InstanceReference: instanceRef},
		History:        predictHistory{Messages: toHistory(messages)},
		PredictionConfigStack: predictionConfigStack{Layers: []predictionLayer{{
			LayerName: "instance",
			Config: predictConfig{
				Temperature: cfg.Temperature,
				MaxTokens:   maxTokens,
				Seed:        cfg.Seed,
				Stream:      true,
				Fields:      []any{},
			},
		}}},
	}
}

// PredictResult summarizes a finished prediction.
type PredictResult struct {
	Fragments int
	Stopped   bool
}

// stream consumes a predict channel, handing fragments to onFragment.
func stream(ctx context.Context, ch *channel, onFragment FragmentFunc) (PredictResult, error) {
	defer ch.close(true)
	var res PredictResult
	for {
		env, err := ch.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				ch.cancel()
			}
			return res, err
		}
		switch env.Type {
		case "channelError":
			return res, fmt.Errorf("prediction failed: %s", env.failure())
		case "channelClose":
			return res, nil
		}

		var msg channelMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			ch.nc.logger.Debug("Skipping malformed prediction message: %v", err)
			continue
		}
		var text string
		switch msg.Type {
		case "fragment":
			if msg.Fragment != nil {
				text = msg.Fragment.Content
			}
		case "chatToken":
			text = msg.Token
		case "success", "completed", "chatEnd":
			return res, nil
		default:
			ch.nc.logger.Trace("Ignoring prediction message %q", msg.Type)
			continue
		}
		if text == "" {
			continue
		}
		res.Fragments++
		if onFragment != nil && !onFragment(text) {
			ch.cancel()
			res.Stopped = true
			return res, nil
		}
	}
}
