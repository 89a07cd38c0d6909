package extensions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/risedotdev/rise/internal/store"
)

// RunBeforeDeployment fans the before-deployment hook out across every
// provider that owns at least one live extension row of the project.
// Hooks run in parallel and write disjoint env var keys; any hook error
// aborts deployment creation, and every failure is reported, not just
// the first.
func RunBeforeDeployment(
	ctx context.Context,
	registry *Registry,
	extStore store.ExtensionStore,
	deploymentID, projectID, deploymentGroup string,
	logger *slog.Logger,
) error {
	rows, err := extStore.ListExtensionsForProject(ctx, projectID)
	if err != nil {
		return err
	}

	types := make(map[string]bool)
	for _, row := range rows {
		if !row.IsDeleting() {
			types[row.ExtensionType] = true
		}
	}

	var mu sync.Mutex
	var merr *multierror.Error
	g, ctx := errgroup.WithContext(ctx)

	for t := range types {
		p, ok := registry.Get(t)
		if !ok {
			logger.Warn("extension row has no registered provider, skipping hook",
				"extension_type", t, "project_id", projectID)
			continue
		}
		g.Go(func() error {
			if err := p.BeforeDeployment(ctx, deploymentID, projectID, deploymentGroup); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return merr.ErrorOrNil()
}
