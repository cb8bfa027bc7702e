package allocation

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardalloc/internal/allocation/decider"
	"github.com/dreamware/shardalloc/internal/routing"
)

// pair is one (copy, node) question.
type pair struct {
	shard routing.ShardRouting
	node  *routing.RoutingNode
}

// evaluate answers every pair, at most Workers at a time. Answers come back
// in pair order. A decider fault turns into a NO for its pair and is
// recorded on the cycle; only cancellation aborts the batch.
func (c *cycle) evaluate(ctx context.Context, pairs []pair, ask func(pair) (decider.Decision, error)) ([]decider.Decision, error) {
	answers := make([]decider.Decision, len(pairs))
	faults := make([]*decider.Fault, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.a.settings.Workers)
	for i := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := ask(pairs[i])
			if err != nil {
				var fault *decider.Fault
				if !errors.As(err, &fault) {
					return err
				}
				faults[i] = fault
			}
			answers[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, f := range faults {
		if f == nil {
			continue
		}
		c.faults = append(c.faults, f)
		log.WithFields(log.Fields{
			"decider": f.Decider,
			"op":      f.Op,
			"shard":   f.Copy.ShardID.String(),
			"node":    f.NodeID,
		}).Warnf("decider failed, treating pair as NO: %v", f.Value)
	}
	return answers, nil
}
