package queue

import (
	"context"
	"errors"
	"time"

	"sheetmail/delivery"
)

// ErrNoAccounts is returned when a scheduler is built without accounts.
var ErrNoAccounts = errors.New("queue: no delivery accounts")

// Account is a paced sender the scheduler can pick. *delivery.Sender
// satisfies it.
type Account interface {
	Name() string
	PeekNextSend() time.Time
	AttemptDelivery(ctx context.Context, msg delivery.Message) (delivery.Outcome, error)
	Close()
}

// Scheduler picks the account that may send soonest.
type Scheduler struct {
	accounts []Account
}

// NewScheduler keeps accounts in registration order, which breaks ties.
func NewScheduler(accounts ...Account) (*Scheduler, error) {
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return &Scheduler{accounts: append([]Account(nil), accounts...)}, nil
}

// Select returns the account with the earliest next-send instant and that
// instant. Equal instants go to the account registered first.
func (s *Scheduler) Select() (Account, time.Time) {
	best := s.accounts[0]
	at := best.PeekNextSend()
	for _, acct := range s.accounts[1:] {
		if next := acct.PeekNextSend(); next.Before(at) {
			best, at = acct, next
		}
	}
	return best, at
}

// Accounts returns the registered accounts in order.
func (s *Scheduler) Accounts() []Account {
	return append([]Account(nil), s.accounts...)
}

// CloseAll closes every account's session. It never fails.
func (s *Scheduler) CloseAll() {
	for _, acct := range s.accounts {
		acct.Close()
	}
}
