package observability

import (
	"context"

	"github.com/aprio-one/converge/pkg/contracts"
)

// EntryAppended implements ledger.Observer: registering the provider on a
// ledger turns every append into metrics. Sequence 1 marks a new run, fact
// entries feed the fact counter, terminal decisions feed halt and state
// counters.
func (p *Provider) EntryAppended(entry contracts.ContextEntry) {
	ctx := context.Background()

	if entry.Sequence == 1 {
		p.RecordSubmission(ctx)
	}

	switch entry.EntryType {
	case contracts.EntryFact:
		p.RecordFacts(ctx, 1, entry.RunID)
	case contracts.EntryDecision:
		state, _ := entry.Payload["state"].(string)
		if contracts.RunState(state) != contracts.RunHalted {
			return
		}
		reason, _ := entry.Payload["reason"].(string)
		p.RecordHalt(ctx, reason)
	}
}
