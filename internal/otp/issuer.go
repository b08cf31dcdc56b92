// Package otp issues and verifies one-time codes for phone-based sign-in.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"chat-gateway/internal/domain"
)

const (
	codeMin = 100000
	codeMax = 999999
)

// Store is the slice of the credential store the issuer needs.
type Store interface {
	CreateOTP(ctx context.Context, code domain.OneTimeCode) (domain.OneTimeCode, error)
	LatestOTP(ctx context.Context, phone string) (domain.OneTimeCode, error)
	SetVerified(ctx context.Context, phone string, verified bool) error
}

// Deliverer sends a raw code to the user out of band.
type Deliverer interface {
	Deliver(ctx context.Context, phone, code string) error
}

// Issued is the result of Issue. Echo holds the raw code only when dev echo
// is enabled.
type Issued struct {
	Code domain.OneTimeCode
	Echo string
}

type Option func(*Issuer)

// WithDevEcho makes Issue return the raw code to the caller instead of
// delivering it.
func WithDevEcho(enabled bool) Option {
	return func(i *Issuer) { i.devEcho = enabled }
}

// WithDeliverer sets the out-of-band delivery channel.
func WithDeliverer(d Deliverer) Option {
	return func(i *Issuer) { i.deliverer = d }
}

// WithHashCost overrides the bcrypt cost used for stored codes.
func WithHashCost(cost int) Option {
	return func(i *Issuer) { i.hashCost = cost }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Issuer) { i.logger = l }
}

// Issuer creates and checks one-time codes.
type Issuer struct {
	store     Store
	deliverer Deliverer
	devEcho   bool
	hashCost  int
	now       func() time.Time
	newCode   func() (string, error)
	logger    *zap.Logger
}

// NewIssuer builds an Issuer. Without dev echo a Deliverer is required so
// codes never leave the process through the chat reply.
func NewIssuer(store Store, opts ...Option) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("otp: store must not be nil")
	}
	i := &Issuer{
		store:    store,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
		newCode:  randomCode,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	if !i.devEcho && i.deliverer == nil {
		return nil, errors.New("otp: deliverer must not be nil when dev echo is disabled")
	}
	if i.hashCost < bcrypt.MinCost || i.hashCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("otp: hash cost %d out of range", i.hashCost)
	}
	return i, nil
}

// Issue stores a fresh code for user, superseding any earlier one.
func (i *Issuer) Issue(ctx context.Context, user domain.User) (Issued, error) {
	raw, err := i.newCode()
	if err != nil {
		return Issued{}, fmt.Errorf("otp: generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), i.hashCost)
	if err != nil {
		return Issued{}, fmt.Errorf("otp: hash code: %w", err)
	}
	code, err := i.store.CreateOTP(ctx, domain.OneTimeCode{
		Phone:     user.Phone,
		CodeHash:  string(hash),
		CreatedAt: i.now().UTC(),
	})
	if err != nil {
		return Issued{}, fmt.Errorf("otp: store code: %w", err)
	}

	if i.devEcho {
		return Issued{Code: code, Echo: raw}, nil
	}
	if err := i.deliverer.Deliver(ctx, user.Phone, raw); err != nil {
		return Issued{}, fmt.Errorf("otp: deliver code: %w", err)
	}
	i.logger.Info("otp delivered", zap.String("phone", domain.MaskPhone(user.Phone)))
	return Issued{Code: code}, nil
}

// Verify checks submitted against the newest code for user. Mismatch, expiry
// and a missing code all return false without side effects; only success
// marks the user verified. The error is reserved for store failures.
func (i *Issuer) Verify(ctx context.Context, user domain.User, submitted string) (bool, error) {
	latest, err := i.store.LatestOTP(ctx, user.Phone)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("otp: load latest code: %w", err)
	}
	if latest.Expired(i.now()) {
		return false, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(latest.CodeHash), []byte(submitted)) != nil {
		return false, nil
	}
	if err := i.store.SetVerified(ctx, user.Phone, true); err != nil {
		return false, fmt.Errorf("otp: mark verified: %w", err)
	}
	return true, nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+codeMin), nil
}
