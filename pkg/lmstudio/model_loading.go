package lmstudio

import (
	"context"
	"encoding/json"
	"fmt"
)

// ProgressFunc receives load progress in [0,1]. Values never decrease.
type ProgressFunc func(progress float64)

type loadCreation struct {
	ModelKey        string          `json:"modelKey"`
	Identifier      string          `json:"identifier"`
	LoadConfigStack loadConfigStack `json:"loadConfigStack"`
}

type loadConfigStack struct {
	Layers []any `json:"layers"`
}

// loadChannel drives one loadModel channel to completion.
type loadChannel struct {
	ch       *channel
	modelKey string
	onUpdate ProgressFunc
	last     float64
}

func (lc *loadChannel) report(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if p <= lc.last {
		return
	}
	lc.last = p
	lc.ch.nc.logger.Trace("Loading %s: %.1f%%", lc.modelKey, p*100)
	if lc.onUpdate != nil {
		lc.onUpdate(p)
	}
}

// wait consumes frames until the model is loaded or the channel fails.
// Cancelling ctx sends a cancel request and returns ctx.Err().
func (lc *loadChannel) wait(ctx context.Context) (LoadedModel, error) {
	defer lc.ch.close(true)
	for {
		env, err := lc.ch.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				lc.ch.cancel()
			}
			return LoadedModel{}, err
		}
		switch env.Type {
		case "channelError":
			return LoadedModel{}, fmt.Errorf("loading %s: %s", lc.modelKey, env.failure())
		case "channelClose":
			return LoadedModel{}, fmt.Errorf("loading %s: channel closed before the model finished loading", lc.modelKey)
		}

		var msg channelMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			lc.ch.nc.logger.Debug("Skipping malformed load message: %v", err)
			continue
		}
		switch msg.Type {
		case "progress":
			lc.report(msg.Progress)
		case "resolved":
			lc.ch.nc.logger.Debug("Resolved %s", lc.modelKey)
		case "success":
			lc.report(1)
			info := LoadedModel{ModelKey: lc.modelKey, Identifier: lc.modelKey}
			if msg.Info != nil {
				info = *msg.Info
				if info.ModelKey == "" {
					info.ModelKey = lc.modelKey
				}
			}
			return info, nil
		default:
			lc.ch.nc.logger.Trace("Ignoring load message %q", msg.Type)
		}
	}
}
