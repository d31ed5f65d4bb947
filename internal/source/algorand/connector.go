package algorand

import (
	"context"
	"errors"

	"github.com/devblac/chain-events/internal/source"
)

var errNoTargets = errors.New("no configured application or asset exists")

type dialFunc func(url, token string) (AlgodClient, error)

// connect opens an algod client with retry, then confirms each configured
// application and asset exists. Missing targets are logged and excluded.
// env.Spec carries the algod API token.
func connect(ctx context.Context, env source.Env, targets Targets, dial dialFunc) (AlgodClient, Targets, error) {
	log := env.Logger()
	client, err := source.Connect(ctx, log, env.Retry, env.URL, env.Addresses, func(ctx context.Context) (AlgodClient, error) {
		c, err := dial(env.URL, env.Spec)
		if err != nil {
			return nil, err
		}
		if _, err := lastRound(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, Targets{}, err
	}
	if targets.empty() {
		return client, targets, nil
	}

	live := Targets{Apps: map[uint64]struct{}{}, Assets: map[uint64]struct{}{}}
	for id := range targets.Apps {
		if _, err := client.GetApplicationByID(id).Do(ctx); err != nil {
			log.Warn("excluding application", "app_id", id, "error", err)
			continue
		}
		live.Apps[id] = struct{}{}
	}
	for id := range targets.Assets {
		if _, err := client.GetAssetByID(id).Do(ctx); err != nil {
			log.Warn("excluding asset", "asset_id", id, "error", err)
			continue
		}
		live.Assets[id] = struct{}{}
	}
	if live.empty() {
		return nil, Targets{}, &source.ConnectionError{Endpoint: env.URL, Addresses: env.Addresses, Err: errNoTargets}
	}
	return client, live, nil
}
