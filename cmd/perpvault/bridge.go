package main

import (
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// outputBridge fans core outputs out to the workers. It converts core.CoreOutput
// into each worker's input type so core never imports persistence or projection.
//
// The persist send blocks (the log is the source of truth); every other send
// drops when its consumer is behind.
type outputBridge struct {
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent
	invalidateOut chan<- []string // nil without a cache
	broadcast     func(ingestion.PublishableEvent)
	metrics       *observability.Metrics
	log           zerolog.Logger
}

// run forwards until both inputs are closed, then closes every output so the
// workers drain and exit.
func (b *outputBridge) run(persistIn, projectionIn <-chan core.CoreOutput) {
	defer b.closeOutputs()

	for persistIn != nil || projectionIn != nil {
		select {
		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			b.persistOut <- persistence.CoreOutput{
				EventRow:    persistence.NewEventRow(out.Envelope, out.StateDelta),
				JournalRows: persistence.NewJournalRows(out.Batch),
			}

			pub := ingestion.NewPublishableEvent(out)
			select {
			case b.publishOut <- pub:
			default:
				if b.metrics != nil {
					b.metrics.PublishDrops.Inc()
				}
			}
			if b.broadcast != nil {
				b.broadcast(pub)
			}
			if b.invalidateOut != nil {
				if accounts := touchedAccounts(out); len(accounts) > 0 {
					select {
					case b.invalidateOut <- accounts:
					default:
						b.log.Warn().Int64("sequence", out.Envelope.Sequence).Msg("cache invalidation skipped, queue full")
					}
				}
			}

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case b.projectionOut <- projection.FromCoreOutput(out):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

func (b *outputBridge) closeOutputs() {
	close(b.persistOut)
	close(b.projectionOut)
	close(b.publishOut)
	if b.invalidateOut != nil {
		close(b.invalidateOut)
	}
}

// touchedAccounts lists the user accounts an output changed, sorted.
func touchedAccounts(out core.CoreOutput) []string {
	seen := make(map[string]struct{})
	if out.Receipt != nil {
		for _, key := range out.Receipt.Touched.Positions {
			seen[key.Account] = struct{}{}
		}
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			for _, acct := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if acct.Scope == ledger.AccountScopeUser {
					seen[acct.Owner] = struct{}{}
				}
			}
		}
	}

	accounts := make([]string, 0, len(seen))
	for acct := range seen {
		accounts = append(accounts, acct)
	}
	sort.Strings(accounts)
	return accounts
}

type accountInvalidator interface {
	InvalidateAccount(ctx context.Context, account string) error
}

// runInvalidations drops cached reads of changed accounts until in is closed.
func runInvalidations(in <-chan []string, cache accountInvalidator, log zerolog.Logger) {
	for accounts := range in {
		for _, acct := range accounts {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := cache.InvalidateAccount(ctx, acct); err != nil {
				log.Warn().Err(err).Str("account", acct).Msg("cache invalidation failed")
			}
			cancel()
		}
	}
}
