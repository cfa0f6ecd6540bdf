package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/infrastructure/events"
	"stripe-reconciler/internal/infrastructure/payment"
	"stripe-reconciler/internal/locking"
	"stripe-reconciler/internal/logging"
	"stripe-reconciler/internal/repo"
	"stripe-reconciler/internal/service"
	"stripe-reconciler/internal/webhook"
	"stripe-reconciler/internal/worker"
)

type options struct {
	orders      int
	duplicates  int
	dropRate    float64
	staleRate   float64
	redelivery  int
	latency     time.Duration
	lockTimeout time.Duration
	logLevel    string
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Fire a storm of duplicated, shuffled and conflicting Stripe events at the reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup("stripe-reconciler-simulate", opts.logLevel, "console")
			return simulate(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.orders, "orders", "n", 20, "number of order transactions")
	cmd.Flags().IntVarP(&opts.duplicates, "duplicates", "d", 3, "deliveries per event")
	cmd.Flags().Float64Var(&opts.dropRate, "drop-rate", 0.1, "share of events that are never delivered")
	cmd.Flags().Float64Var(&opts.staleRate, "stale-rate", 0.2, "share of transactions that also receive a contradicting event")
	cmd.Flags().IntVar(&opts.redelivery, "redelivery", 3, "redelivery rounds for rejected events")
	cmd.Flags().DurationVar(&opts.latency, "latency", 20*time.Millisecond, "gateway latency")
	cmd.Flags().DurationVar(&opts.lockTimeout, "lock-timeout", time.Second, "per-transaction lock timeout")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type delivery struct {
	orderTransactionID uuid.UUID
	event              stripeEvent
}

func simulate(ctx context.Context, opts options) error {
	orderTransactions := repo.NewMemoryOrderTransactionRepo()
	publisher := &events.RecordingPublisher{}
	gateway := payment.NewMockGateway(opts.latency)
	states := service.NewStateHandler(orderTransactions, locking.NewService(locking.NewMemoryLocker(), opts.lockTimeout, nil), publisher, nil)
	handler := webhook.NewEventHandler(orderTransactions, states, nil)
	finalize := service.NewFinalizeService(orderTransactions, gateway, states)

	fmt.Printf("--- CHARGING %d ORDERS ---\n", opts.orders)
	var (
		mu         sync.Mutex
		deliveries []delivery
		ids        []uuid.UUID
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < opts.orders; i++ {
		g.Go(func() error {
			intentID := gateway.CreatePaymentIntent()
			t := &domain.OrderTransaction{
				ID:             uuid.New(),
				OrderID:        uuid.New(),
				OrderVersionID: uuid.New(),
				State:          domain.TransactionOpen,
				CustomFields:   domain.SetCustomField(nil, domain.CorrelationPaymentIntentID.Path(), intentID),
			}
			if err := orderTransactions.Create(gctx, t); err != nil {
				return err
			}

			_, chargeErr := gateway.Charge(gctx, intentID)
			pi, err := gateway.RetrievePaymentIntent(gctx, intentID)
			if err != nil {
				return err
			}
			fmt.Printf("[%02d] %s charge=%v provider=%s\n", i+1, intentID, errString(chargeErr), pi.Status)

			evs := eventsFor(pi)
			if rand.Float64() < opts.staleRate {
				evs = append(evs, contradicting(pi)...)
			}

			mu.Lock()
			defer mu.Unlock()
			ids = append(ids, t.ID)
			for _, ev := range evs {
				if rand.Float64() < opts.dropRate {
					continue
				}
				for d := 0; d < opts.duplicates; d++ {
					deliveries = append(deliveries, delivery{orderTransactionID: t.ID, event: ev})
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	rand.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })
	fmt.Printf("--- DELIVERING %d EVENTS CONCURRENTLY ---\n", len(deliveries))

	stats := &outcomes{counts: map[string]int{}}
	pending := deliveries
	for round := 0; round <= opts.redelivery && len(pending) > 0; round++ {
		pending = deliver(ctx, handler, pending, stats)
		if len(pending) > 0 {
			fmt.Printf("round %d: %d events rejected, redelivering\n", round+1, len(pending))
		}
	}

	fmt.Println("--- RECONCILING LOST WEBHOOKS ---")
	reconciler := worker.NewReconciliationWorker(orderTransactions, finalize, nil, 100*time.Millisecond, 0, opts.orders)
	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := reconciler.Run(runCtx); err != nil {
		return err
	}

	return report(ctx, orderTransactions, gateway, ids, stats, len(publisher.Events()))
}

type outcomes struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *outcomes) add(outcome string) {
	o.mu.Lock()
	o.counts[outcome]++
	o.mu.Unlock()
}

// deliver dispatches every event on its own goroutine and returns the ones
// Stripe would redeliver.
func deliver(ctx context.Context, handler webhook.EventHandler, batch []delivery, stats *outcomes) []delivery {
	var (
		mu    sync.Mutex
		retry []delivery
		wg    sync.WaitGroup
	)
	for _, d := range batch {
		wg.Add(1)
		go func(d delivery) {
			defer wg.Done()
			err := handler.Dispatch(ctx, d.event.toStripe())
			outcome := webhook.Outcome(err)
			stats.add(outcome)
			if errors.Is(err, domain.ErrOrderTransactionNotFound) || errors.Is(err, domain.ErrLockTimeout) {
				mu.Lock()
				retry = append(retry, d)
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()
	return retry
}

func report(ctx context.Context, orderTransactions repo.OrderTransactionRepo, gateway payment.Gateway, ids []uuid.UUID, stats *outcomes, published int) error {
	fmt.Println("--- FINAL STATE ---")
	byState := map[domain.TransactionState]int{}
	var violations []string
	for _, id := range ids {
		t, err := orderTransactions.FindById(ctx, id)
		if err != nil {
			return err
		}
		byState[t.State]++

		intentID, _ := t.CorrelationID(domain.CorrelationPaymentIntentID)
		chargeID, hasCharge := t.CorrelationID(domain.CorrelationChargeID)
		pi, err := gateway.RetrievePaymentIntent(ctx, intentID)
		if err != nil {
			return err
		}
		fmt.Printf("%s %-22s provider=%-24s db=%-10s charge=%s\n", t.ID, intentID, pi.Status, t.State, chargeID)

		if !t.State.IsTerminal() {
			violations = append(violations, fmt.Sprintf("%s left %s", t.ID, t.State))
		}
		if t.State == domain.TransactionPaid && !hasCharge {
			violations = append(violations, fmt.Sprintf("%s paid without charge id", t.ID))
		}
	}

	fmt.Printf("states: %v\n", byState)
	fmt.Printf("outcomes: %v\n", stats.counts)
	fmt.Printf("state changes published: %d\n", published)
	if published != len(ids)-byState[domain.TransactionOpen] {
		violations = append(violations, fmt.Sprintf("%d state changes published for %d settled transactions", published, len(ids)-byState[domain.TransactionOpen]))
	}

	if len(violations) > 0 {
		for _, v := range violations {
			log.Error().Msg(v)
		}
		return errors.Errorf("%d invariant violations", len(violations))
	}
	fmt.Println("OK: every transaction settled exactly once")
	return nil
}

func errString(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}
