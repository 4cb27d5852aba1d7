package negotiation

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ainp-broker/broker/pkg/credit"
	"github.com/google/uuid"
)

// ReceiptCreator is the narrow capability Service.Settle needs from
// pkg/receipt — a task receipt in "pending" status (spec §4.6 "Settle").
// Declared here rather than imported to avoid a negotiation↔receipt
// import cycle; pkg/receipt.Service satisfies this structurally.
type ReceiptCreator interface {
	CreatePending(ctx context.Context, taskID, intentID, providerDID, clientDID string, amountAtomic int64, validatorDID string) error
}

// Service implements the negotiation state machine (spec §4.6).
type Service struct {
	store               Store
	ledger              credit.Ledger
	receipts            ReceiptCreator
	creditLedgerEnabled bool
	defaultMaxRounds    int
	defaultTTL          time.Duration
	convergenceThresh   float64
}

func New(store Store, ledger credit.Ledger, receipts ReceiptCreator, creditLedgerEnabled bool, defaultMaxRounds int, defaultTTL time.Duration, convergenceThresh float64) *Service {
	return &Service{
		store: store, ledger: ledger, receipts: receipts,
		creditLedgerEnabled: creditLedgerEnabled,
		defaultMaxRounds:    defaultMaxRounds, defaultTTL: defaultTTL, convergenceThresh: convergenceThresh,
	}
}

// Initiate creates a new session in state "initiated" with the first
// proposal already recorded as round 1, authored by the initiator.
func (s *Service) Initiate(ctx context.Context, intentID, initiatorDID, responderDID string, initialProposal map[string]any, maxRounds int, ttl time.Duration) (Session, error) {
	if initiatorDID == responderDID {
		return Session{}, ErrInitiatorEqualsResponder
	}
	if maxRounds <= 0 {
		maxRounds = s.defaultMaxRounds
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now().UTC()
	first := Proposal{Terms: initialProposal, Actor: initiatorDID, Round: 1, At: now}
	sess := Session{
		ID: uuid.NewString(), IntentID: intentID, Initiator: initiatorDID, Responder: responderDID,
		State: StateInitiated, Rounds: []Proposal{first}, CurrentProposal: first,
		IncentiveSplit: DefaultIncentiveSplit(), MaxRounds: maxRounds,
		CreatedAt: now, ExpiresAt: now.Add(ttl), UpdatedAt: now,
	}
	return s.store.Create(ctx, sess)
}

// Propose records a counter-proposal, advancing initiated→proposed or
// proposed/counter_proposed→counter_proposed (spec §4.6 state diagram).
func (s *Service) Propose(ctx context.Context, sessionID, actorDID string, terms map[string]any) (Session, error) {
	if err := s.expireIfNeeded(ctx, sessionID); err != nil {
		return Session{}, err
	}
	return s.store.Mutate(ctx, sessionID, func(sess *Session) error {
		if err := s.ensureLive(sess); err != nil {
			return err
		}
		if err := s.ensureParticipant(sess, actorDID); err != nil {
			return err
		}
		if sess.LatestActor() == actorDID {
			return ErrSamePartyTwice
		}
		if len(sess.Rounds) >= sess.MaxRounds {
			return ErrMaxRounds
		}

		prev := sess.CurrentProposal
		next := Proposal{Terms: terms, Actor: actorDID, Round: len(sess.Rounds) + 1, At: time.Now().UTC()}
		sess.Rounds = append(sess.Rounds, next)
		sess.CurrentProposal = next
		sess.Convergence = computeConvergence(prev, next, sess.Convergence)

		switch sess.State {
		case StateInitiated:
			sess.State = StateProposed
		default:
			sess.State = StateCounterProposed
		}
		return nil
	})
}

// Accept transitions to "accepted" (spec §4.6 "Accept semantics"): the
// acceptor must be the peer that did not make the latest proposal; if
// credits are enabled and the proposal carries a price, the amount is
// reserved from the initiator.
func (s *Service) Accept(ctx context.Context, sessionID, actorDID string) (Session, error) {
	if err := s.expireIfNeeded(ctx, sessionID); err != nil {
		return Session{}, err
	}
	return s.store.Mutate(ctx, sessionID, func(sess *Session) error {
		if err := s.ensureLive(sess); err != nil {
			return err
		}
		if err := s.ensureParticipant(sess, actorDID); err != nil {
			return err
		}
		if sess.LatestActor() == actorDID {
			return fmt.Errorf("negotiation: %w: acceptor made the latest proposal", ErrInvalidStateTransition)
		}

		if s.creditLedgerEnabled && s.ledger != nil {
			if price, ok := sess.CurrentProposal.PriceAtomic(); ok && price > 0 {
				if _, err := s.ledger.Reserve(ctx, sess.Initiator, price, sessionID+":accept"); err != nil {
					return err
				}
				sess.ReservedAmount = price
			}
		}
		final := sess.CurrentProposal
		sess.FinalProposal = &final
		sess.State = StateAccepted
		return nil
	})
}

// Reject transitions to "rejected" from any non-terminal state.
func (s *Service) Reject(ctx context.Context, sessionID, actorDID string) (Session, error) {
	if err := s.expireIfNeeded(ctx, sessionID); err != nil {
		return Session{}, err
	}
	return s.store.Mutate(ctx, sessionID, func(sess *Session) error {
		if err := s.ensureLive(sess); err != nil {
			return err
		}
		if err := s.ensureParticipant(sess, actorDID); err != nil {
			return err
		}
		sess.State = StateRejected
		return nil
	})
}

// Settle executes the accepted session's work-delivery effects (spec
// §4.6 "Settle"): release the reservation as spent, distribute the
// incentive split via earn, and create a pending task receipt.
func (s *Service) Settle(ctx context.Context, sessionID, providerDID string, usefulnessProofID string) (Session, error) {
	return s.store.Mutate(ctx, sessionID, func(sess *Session) error {
		if sess.State != StateAccepted {
			return fmt.Errorf("negotiation: %w: settle requires accepted state, have %s", ErrInvalidStateTransition, sess.State)
		}

		if s.creditLedgerEnabled && s.ledger != nil && sess.ReservedAmount > 0 {
			amount := sess.ReservedAmount
			if _, err := s.ledger.Release(ctx, sess.Initiator, amount, amount, sessionID+":settle"); err != nil {
				return err
			}
			if err := s.distributeIncentive(ctx, sessionID, providerDID, amount, sess.IncentiveSplit, sess.ValidatorDID, usefulnessProofID); err != nil {
				return err
			}
		}

		if s.receipts != nil {
			if err := s.receipts.CreatePending(ctx, sessionID, sess.IntentID, providerDID, sess.responderOrInitiatorClient(providerDID), sess.ReservedAmount, sess.ValidatorDID); err != nil {
				return err
			}
		}
		return nil
	})
}

// responderOrInitiatorClient returns whichever of {initiator, responder}
// is NOT the provider — the client side of the deal.
func (s Session) responderOrInitiatorClient(providerDID string) string {
	if s.Initiator == providerDID {
		return s.Responder
	}
	return s.Initiator
}

// distributeIncentive splits amount per split and calls ledger.Earn for
// each non-zero recipient (spec §4.6 "Distribute by incentive_split").
// Flooring remainder accrues to the pool bucket. The provider's share,
// and the validator's share when validatorDID is set, go to those agent
// DIDs; the broker and pool shares (and the validator share when no
// validator is named) are earned into well-known internal accounts the
// ledger tracks the same as any agent.
func (s *Service) distributeIncentive(ctx context.Context, sessionID, providerDID string, amount int64, split IncentiveSplit, validatorDID, usefulnessProofID string) error {
	// share floors amount*fraction after rounding away float error below
	// one part in a million, so 90000*0.7 yields 63000 rather than 62999.
	share := func(fraction float64) int64 {
		return int64(math.Floor(math.Round(float64(amount)*fraction*1e6) / 1e6))
	}
	shares := map[string]int64{
		providerDID:       share(split.Agent),
		"broker:treasury": share(split.Broker),
		"pool:treasury":   share(split.Pool),
	}
	validatorShare := share(split.Validator)
	validatorAccount := "pool:treasury"
	if validatorDID != "" {
		validatorAccount = validatorDID
	}
	shares[validatorAccount] += validatorShare

	var distributed int64
	for _, v := range shares {
		distributed += v
	}
	shares["pool:treasury"] += amount - distributed

	for accountDID, share := range shares {
		if share <= 0 {
			continue
		}
		ref := fmt.Sprintf("%s:%s", sessionID, accountDID)
		if _, err := s.ledger.Earn(ctx, accountDID, share, "settle", ref, usefulnessProofID); err != nil {
			return err
		}
	}
	return nil
}

// ensureLive rejects actions on a terminal session. Expiry itself is
// handled separately by expireIfNeeded before this runs, so by the time
// ensureLive sees the session "terminal" and "expired" are the only two
// overlapping cases to guard against.
func (s *Service) ensureLive(sess *Session) error {
	if sess.State.Terminal() {
		if sess.State == StateExpired {
			return ErrExpired
		}
		return fmt.Errorf("negotiation: %w: session already terminal (%s)", ErrInvalidStateTransition, sess.State)
	}
	return nil
}

// expireIfNeeded implements spec §4.6 "On any accessor (read or mutate),
// if expires_at < now() and state non-terminal, transition to expired".
// It runs as its own store.Mutate so the expiry transition is committed
// even though the subsequent operation (propose/accept/reject) will then
// observe a terminal session and fail with ErrExpired.
func (s *Service) expireIfNeeded(ctx context.Context, sessionID string) error {
	_, err := s.store.Mutate(ctx, sessionID, func(sess *Session) error {
		if !sess.State.Terminal() && sess.ExpiresAt.Before(time.Now().UTC()) {
			sess.State = StateExpired
		}
		return nil
	})
	return err
}

func (s *Service) ensureParticipant(sess *Session, actorDID string) error {
	if actorDID != sess.Initiator && actorDID != sess.Responder {
		return ErrNotAParticipant
	}
	return nil
}

// SweepExpired transitions every non-terminal session past its deadline
// to "expired" (spec §4.6 "A background sweeper ... every
// expiration_interval_minutes").
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expiring, err := s.store.ListNonTerminalExpiring(ctx, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	var count int
	for _, sess := range expiring {
		_, err := s.store.Mutate(ctx, sess.ID, func(mut *Session) error {
			if mut.State.Terminal() {
				return nil
			}
			mut.State = StateExpired
			return nil
		})
		if err != nil {
			continue
		}
		count++
	}
	return count, nil
}

func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	if err := s.expireIfNeeded(ctx, id); err != nil {
		return Session{}, err
	}
	return s.store.Get(ctx, id)
}

func (s *Service) ListByAgent(ctx context.Context, agentDID string, state State) ([]Session, error) {
	return s.store.ListByAgent(ctx, agentDID, state)
}
