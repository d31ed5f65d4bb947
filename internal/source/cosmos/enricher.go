package cosmos

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devblac/chain-events/internal/event"
)

// DefaultProposalQueryPath is the legacy gov querier route.
const DefaultProposalQueryPath = "custom/gov/proposal"

// proposalEnricher attaches title and description to new proposals.
type proposalEnricher struct {
	client Client
	path   string
}

type proposalQuery struct {
	ProposalID string `json:"proposal_id"`
}

// proposalResponse covers both the legacy amino layout, where title and
// description sit inside content.value, and gov v1, where title and summary
// are top-level.
type proposalResponse struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Content     struct {
		Value struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"value"`
	} `json:"content"`
	VotingEndTime string `json:"voting_end_time"`
}

func (e *proposalEnricher) enrich(ctx context.Context, ev *event.Event) error {
	if ev.Kind != KindSubmitProposal {
		return nil
	}
	body, err := json.Marshal(proposalQuery{ProposalID: ev.Entity})
	if err != nil {
		return err
	}
	res, err := e.client.ABCIQuery(ctx, e.path, body)
	if err != nil {
		return fmt.Errorf("abci query %s: %w", e.path, err)
	}
	if res.Response.Code != 0 {
		return fmt.Errorf("abci query %s: code %d: %s", e.path, res.Response.Code, res.Response.Log)
	}

	var p proposalResponse
	if err := json.Unmarshal(res.Response.Value, &p); err != nil {
		return fmt.Errorf("decode proposal %s: %w", ev.Entity, err)
	}
	title, desc := p.Title, p.Summary
	if title == "" {
		title = p.Content.Value.Title
	}
	if desc == "" {
		desc = p.Description
	}
	if desc == "" {
		desc = p.Content.Value.Description
	}
	ev.Data["title"] = title
	ev.Data["description"] = desc
	if p.VotingEndTime != "" {
		ev.Data["voting_end_time"] = p.VotingEndTime
	}
	return nil
}
