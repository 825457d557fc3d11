package commands

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/placer-project/placer/pkg/candidates"
	"github.com/placer-project/placer/pkg/logger"
	"github.com/placer-project/placer/pkg/storage"
)

// ResolveCandidatesRequest asks for the providers able to satisfy every
// entry of Resources, a resource class to requested amount mapping.
type ResolveCandidatesRequest struct {
	Resources map[string]int64

	// Include, when non-empty, keeps only candidates whose provider or tree
	// root is in the set. Exclude drops candidates the same way.
	Include map[string]struct{}
	Exclude map[string]struct{}
}

// ResolveCandidatesResponse carries the merged candidate set.
type ResolveCandidatesResponse struct {
	Candidates *candidates.List
}

// ResolveCandidatesCommand merges per-class candidate sets into the trees
// able to satisfy a whole request.
type ResolveCandidatesCommand struct {
	providerBackend storage.ProviderBackend
	logger          logger.Logger
}

// NewResolveCandidatesCommand constructs the command.
func NewResolveCandidatesCommand(
	providerBackend storage.ProviderBackend,
	logger logger.Logger,
) *ResolveCandidatesCommand {
	return &ResolveCandidatesCommand{
		providerBackend: providerBackend,
		logger:          logger,
	}
}

// Execute resolves each resource class in turn and merges the per-class sets
// down to the trees able to supply all of them. A class no provider can
// satisfy empties the result: the request as a whole is unsatisfiable.
func (c *ResolveCandidatesCommand) Execute(ctx context.Context, req *ResolveCandidatesRequest) (*ResolveCandidatesResponse, error) {
	result := candidates.NewList()

	// Deterministic class order keeps logs stable. The merge outcome does not
	// depend on it.
	classes := make([]string, 0, len(req.Resources))
	for rc := range req.Resources {
		classes = append(classes, rc)
	}
	sort.Strings(classes)

	for _, rc := range classes {
		amount := req.Resources[rc]
		anchors, err := c.providerBackend.CandidatesForResourceClass(ctx, rc, amount)
		if err != nil {
			return nil, err
		}
		if len(anchors) == 0 {
			c.logger.Debug("no provider can satisfy resource class",
				zap.String("resource_class", rc),
				zap.Int64("amount", amount),
			)
			return &ResolveCandidatesResponse{Candidates: candidates.NewList()}, nil
		}

		perClass := candidates.NewList()
		perClass.AddProviders(toAnchors(anchors), rc)
		result.MergeCommonTrees(perClass)
	}

	if len(req.Include) > 0 {
		result.FilterByProviderOrTree(req.Include)
	}
	if len(req.Exclude) > 0 {
		result.FilterByProviderNorTree(req.Exclude)
	}

	c.logger.Debug("resolved allocation candidates",
		zap.Int("resource_classes", len(classes)),
		zap.Int("candidates", result.Len()),
		zap.Int("trees", len(result.Trees())),
	)
	return &ResolveCandidatesResponse{Candidates: result}, nil
}

func toAnchors(in []storage.ProviderAnchor) []candidates.Anchor {
	out := make([]candidates.Anchor, 0, len(in))
	for _, a := range in {
		out = append(out, candidates.Anchor{UUID: a.UUID, RootUUID: a.RootUUID})
	}
	return out
}
