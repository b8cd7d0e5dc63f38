package ingestion

import (
	"context"
	"errors"
	"time"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/crash"
	"CrashLedger/internal/decision"
	"CrashLedger/internal/event"
	"CrashLedger/internal/observability"
	"CrashLedger/internal/outcome"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Bets is the round engine surface commands reach.
type Bets interface {
	PlaceBet(ctx context.Context, account string, amount decimal.Decimal) (crash.Bet, error)
	CashOut(ctx context.Context, account string, positionID uuid.UUID, multiplier decimal.Decimal) (crash.Settlement, error)
}

// Plays is the decision game surface.
type Plays interface {
	Play(ctx context.Context, account string, amount decimal.Decimal, choice string) (decision.Result, error)
}

type Publisher interface {
	Publish(msg event.Outbound)
}

// Dispatcher turns raw channel messages into engine calls. Replies and
// rejections go back to the sender through the publisher.
type Dispatcher struct {
	bets    Bets
	plays   Plays
	out     Publisher
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(bets Bets, plays Plays, out Publisher, log zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{bets: bets, plays: plays, out: out, log: log, metrics: metrics}
}

// Run handles raw events until ctx is cancelled or rawChan closes.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.HandleRaw(ctx, raw)
		}
	}
}

// HandleRaw parses and dispatches one message, then acks it. Only a store
// outage naks, so the command is retried once storage is back.
func (d *Dispatcher) HandleRaw(ctx context.Context, raw RawEvent) {
	env, err := ParseRawEvent(raw)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		d.count("unknown", "malformed")
		ack(raw)
		return
	}

	err = d.Handle(ctx, env)
	if apperr.IsInfrastructure(err) {
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}
	ack(raw)
}

// Handle executes one command.
func (d *Dispatcher) Handle(ctx context.Context, env event.Envelope) error {
	var err error
	switch cmd := env.Command.(type) {
	case *event.PlaceBet:
		err = d.placeBet(ctx, env, cmd)
	case *event.CashOut:
		err = d.cashOut(ctx, env, cmd)
	case *event.VerifyFairness:
		err = d.verify(env, cmd)
	default:
		err = apperr.New(apperr.CodeInvalidAmount, "unsupported command")
	}

	if err != nil {
		d.count(string(env.Kind), "rejected")
		d.reject(env, err)
		return err
	}
	d.count(string(env.Kind), "ok")
	return nil
}

func (d *Dispatcher) placeBet(ctx context.Context, env event.Envelope, cmd *event.PlaceBet) error {
	if cmd.Game == "decision" {
		if d.plays == nil {
			return apperr.New(apperr.CodeRoundStateMismatch, "decision game not enabled")
		}
		res, err := d.plays.Play(ctx, env.Account, cmd.Amount, cmd.Choice)
		if err != nil {
			return err
		}
		d.reply(env, event.KindPlayResult, event.PlayResult{
			PlayID:     res.ID,
			Choice:     res.Choice,
			Roll:       res.Roll,
			Won:        res.Won,
			Payout:     res.Payout,
			Blocked:    res.Blocked,
			SeedHash:   res.SeedHash,
			ServerSeed: res.ServerSeed,
			Nonce:      res.Nonce,
		})
		return nil
	}

	// bet_accepted is published by the engine itself.
	_, err := d.bets.PlaceBet(ctx, env.Account, cmd.Amount)
	return err
}

func (d *Dispatcher) cashOut(ctx context.Context, env event.Envelope, cmd *event.CashOut) error {
	_, err := d.bets.CashOut(ctx, env.Account, cmd.PositionID, cmd.Multiplier)
	return err
}

func (d *Dispatcher) verify(env event.Envelope, cmd *event.VerifyFairness) error {
	res, err := outcome.Verify(outcome.VerifyRequest{
		ServerSeed: cmd.ServerSeed,
		ClientSeed: cmd.ClientSeed,
		Nonce:      cmd.Nonce,
		SeedHash:   cmd.SeedHash,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidAmount, "verify fairness", err)
	}
	d.reply(env, event.KindVerifyResult, event.VerifyResult{
		SeedHash:    res.SeedHash,
		HashMatches: res.HashMatches,
		CrashPoint:  res.CrashPoint,
	})
	return nil
}

func (d *Dispatcher) reply(env event.Envelope, kind event.Kind, payload any) {
	d.out.Publish(event.Outbound{
		Kind:      kind,
		Room:      env.Room,
		Account:   env.Account,
		RequestID: env.RequestID,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	})
}

func (d *Dispatcher) reject(env event.Envelope, err error) {
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	code := string(apperr.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
		d.log.Error().Err(err).
			Str("account", env.Account).
			Str("command", string(env.Kind)).
			Msg("command failed")
	}
	d.reply(env, event.KindError, event.Error{Code: code, Message: msg})
}

func (d *Dispatcher) count(command, result string) {
	if d.metrics != nil {
		d.metrics.IngestCommands.WithLabelValues(command, result).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
