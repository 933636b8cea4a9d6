package infrastructure

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/draftea/coordination-engine/shared/models"
	"github.com/pkg/errors"
)

var _ domain.TransactionParticipant = (*HTTPParticipant)(nil)

// HTTPParticipant speaks two-phase commit with a remote service:
//
//	POST {base}/transactions/{id}/prepare -> {"vote":"yes"|"no"}
//	POST {base}/transactions/{id}/commit
//	POST {base}/transactions/{id}/abort
type HTTPParticipant struct {
	client  *http.Client
	baseURL string
}

func NewHTTPParticipant(client *http.Client, baseURL string) *HTTPParticipant {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPParticipant{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type prepareResponse struct {
	Vote   string `json:"vote"`
	Reason string `json:"reason,omitempty"`
}

func (p *HTTPParticipant) Prepare(ctx context.Context, transactionID models.ID) (domain.Vote, error) {
	body, err := postJSON(ctx, p.client, p.url(transactionID, "prepare"), nil, map[string]string{
		HeaderIdempotencyKey: transactionID.String() + ":prepare",
	})
	if err != nil {
		return domain.VoteUnknown, err
	}

	var resp prepareResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.VoteUnknown, domain.Permanent(errors.Wrap(err, "invalid prepare response"))
	}

	switch domain.Vote(strings.ToLower(resp.Vote)) {
	case domain.VoteYes:
		return domain.VoteYes, nil
	case domain.VoteNo:
		if resp.Reason != "" {
			return domain.VoteNo, errors.New(resp.Reason)
		}
		return domain.VoteNo, nil
	default:
		return domain.VoteUnknown, domain.Permanent(errors.Errorf("unknown vote %q", resp.Vote))
	}
}

func (p *HTTPParticipant) Commit(ctx context.Context, transactionID models.ID) error {
	_, err := postJSON(ctx, p.client, p.url(transactionID, "commit"), nil, map[string]string{
		HeaderIdempotencyKey: transactionID.String() + ":commit",
	})
	return err
}

func (p *HTTPParticipant) Abort(ctx context.Context, transactionID models.ID) error {
	_, err := postJSON(ctx, p.client, p.url(transactionID, "abort"), nil, map[string]string{
		HeaderIdempotencyKey: transactionID.String() + ":abort",
	})
	return err
}

func (p *HTTPParticipant) url(id models.ID, action string) string {
	return p.baseURL + "/transactions/" + id.String() + "/" + action
}
