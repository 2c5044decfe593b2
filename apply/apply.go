package apply

import "context"

// Run executes the full five-step apply algorithm against e's
// configured install directory: Scan, Plan, Acquire, Materialise,
// Prune -- in that order, matching spec §4.7's ordering guarantees
// (block verification precedes materialisation, materialisation
// precedes pruning).
func (e *Engine) Run(ctx context.Context) error {
	scan, err := e.Scan(ctx)
	if err != nil {
		return err
	}

	plans := e.Plan(scan)

	fetched, err := e.Acquire(ctx, plans)
	if err != nil {
		return err
	}

	if err := e.Materialise(ctx, plans, fetched); err != nil {
		return err
	}

	return e.Prune()
}
